package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle status of an entity or snapshot
type Status string

const (
	StatusDraft       Status = "Draft"
	StatusPublished   Status = "Published"
	StatusBlocked     Status = "Blocked"
	StatusUnversioned Status = "Unversioned"
)

// Kind identifies the versioned entity type
type Kind string

const (
	KindItem Kind = "item"
	KindBOM  Kind = "bom"
)

// ParseKind accepts "item" or "bom" in any case
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindItem:
		return KindItem, nil
	case KindBOM:
		return KindBOM, nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown entity kind %q", s))
}

// Label is the display name used in messages
func (k Kind) Label() string {
	if k == KindBOM {
		return "BOM"
	}
	return "Item"
}

// Operation is a lifecycle transition
type Operation string

const (
	OpPublish     Operation = "publish"
	OpSaveAsDraft Operation = "draft"
	OpBlock       Operation = "block"
	OpUnblock     Operation = "unblock"
	OpRestore     Operation = "restore"
)

// ParseOperation maps a route or message verb to an Operation
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(s)); op {
	case OpPublish, OpSaveAsDraft, OpBlock, OpUnblock, OpRestore:
		return op, nil
	case "save_as_draft", "saveasdraft":
		return OpSaveAsDraft, nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown lifecycle operation %q", s))
}

// NextVersion returns the version a transition lands on.
//
// Only a Published snapshot is frozen. Capturing over a Draft or Blocked
// snapshot overwrites it in place.
func NextVersion(op Operation, current int, status Status) int {
	switch op {
	case OpPublish, OpSaveAsDraft:
		if current == 0 {
			return 1
		}
		if status == StatusPublished {
			return current + 1
		}
		return current
	case OpBlock:
		if current == 0 {
			return 1
		}
		return current
	case OpRestore:
		return current + 1
	default:
		return current
	}
}

// ReportedStatus is the status shown to callers; version 0 is Unversioned
func ReportedStatus(version int, status Status) Status {
	if version == 0 {
		return StatusUnversioned
	}
	return status
}
