package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/handlers"
)

// Command types accepted on the lifecycle commands queue
const (
	RegisterEntity  = "RegisterEntity"
	UpdateEntity    = "UpdateEntity"
	PublishVersion  = "PublishVersion"
	SaveAsDraft     = "SaveAsDraft"
	BlockVersion    = "BlockVersion"
	UnblockVersion  = "UnblockVersion"
	RestoreVersion  = "RestoreVersion"
	DeleteEntity    = "DeleteEntity"
	CreateWorkOrder = "CreateWorkOrder"
	CreateECN       = "CreateECN"
)

// AzureBusMessage is the common message structure
type AzureBusMessage struct {
	EventType string          `json:"eventType"`
	Actor     domain.Actor    `json:"actor"`
	Data      json.RawMessage `json:"data"`
}

type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// malformedError marks a message that can never be processed
type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

// Retryable reports whether a failed message should go back to the queue.
// Conflicts and infrastructure failures are retried; rejected commands are not.
func Retryable(err error) bool {
	var malformed *malformedError
	if errors.As(err, &malformed) {
		return false
	}
	switch domain.CodeOf(err) {
	case domain.CodeConflict, domain.CodeInternal:
		return true
	}
	return false
}

type Processor struct {
	lifecycle  *handlers.LifecycleHandler
	workOrders *handlers.WorkOrderHandler
	ecns       *handlers.ECNHandler
}

func NewProcessor(lifecycle *handlers.LifecycleHandler, workOrders *handlers.WorkOrderHandler, ecns *handlers.ECNHandler) *Processor {
	return &Processor{
		lifecycle:  lifecycle,
		workOrders: workOrders,
		ecns:       ecns,
	}
}

func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	return p.Process(ctx, message.Body)
}

// Process decodes and dispatches one command message
func (p *Processor) Process(ctx context.Context, body []byte) error {
	var msg AzureBusMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return &malformedError{fmt.Errorf("error unmarshalling message: %w", err)}
	}

	log.Info().Str("eventType", msg.EventType).Str("actor", msg.Actor.ID).Msg("Processing message")

	switch msg.EventType {
	case RegisterEntity:
		var cmd handlers.RegisterCommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		cmd.Actor = msg.Actor
		_, err := p.lifecycle.HandleRegister(ctx, cmd)
		return err

	case UpdateEntity:
		var cmd handlers.UpdateCommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		cmd.Actor = msg.Actor
		_, err := p.lifecycle.HandleUpdate(ctx, cmd)
		return err

	case PublishVersion, SaveAsDraft, BlockVersion, UnblockVersion, RestoreVersion:
		var cmd handlers.TransitionCommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		cmd.Actor = msg.Actor
		cmd.Operation = operations[msg.EventType]
		_, err := p.lifecycle.HandleTransition(ctx, cmd)
		return err

	case DeleteEntity:
		var cmd handlers.DeleteCommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		cmd.Actor = msg.Actor
		_, err := p.lifecycle.HandleDelete(ctx, cmd)
		return err

	case CreateWorkOrder:
		var cmd handlers.CreateWorkOrderCommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		cmd.Actor = msg.Actor
		_, err := p.workOrders.HandleCreate(ctx, cmd)
		return err

	case CreateECN:
		var cmd handlers.CreateECNCommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		cmd.Actor = msg.Actor
		_, err := p.ecns.HandleCreate(ctx, cmd)
		return err

	default:
		return &malformedError{fmt.Errorf("unknown event type: %s", msg.EventType)}
	}
}

var operations = map[string]domain.Operation{
	PublishVersion: domain.OpPublish,
	SaveAsDraft:    domain.OpSaveAsDraft,
	BlockVersion:   domain.OpBlock,
	UnblockVersion: domain.OpUnblock,
	RestoreVersion: domain.OpRestore,
}

func decode(data json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &malformedError{fmt.Errorf("error unmarshalling command: %w", err)}
	}
	return nil
}
