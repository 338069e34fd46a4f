package projections

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog/log"

	"example.com/backstage/plm/config"
)

// Index names, before the configured prefix
const (
	EntityVersionsIndex = "entity-versions"
)

const versionsMapping = `{
  "mappings": {
    "properties": {
      "name":         {"type": "keyword"},
      "kind":         {"type": "keyword"},
      "identity":     {"type": "keyword"},
      "version":      {"type": "integer"},
      "status":       {"type": "keyword"},
      "ecn":          {"type": "keyword"},
      "blocked_ecn":  {"type": "keyword"},
      "notes":        {"type": "text"},
      "published_by": {"type": "keyword"},
      "published_at": {"type": "date"},
      "item_codes":   {"type": "keyword"},
      "data":         {"type": "object", "enabled": false}
    }
  }
}`

// NewElasticsearchClient connects to the cluster and checks that it answers
func NewElasticsearchClient(cfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     []string{cfg.URL},
		Username:      cfg.Username,
		Password:      cfg.Password,
		RetryOnStatus: []int{502, 503, 504, 429},
		MaxRetries:    3,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error creating Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("error connecting to Elasticsearch at %s: %w", cfg.URL, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("Elasticsearch returned error: %s", res.String())
	}

	log.Info().Str("url", cfg.URL).Msg("Connected to Elasticsearch")
	return client, nil
}

// EnsureIndices creates the version index with its mapping when missing
func EnsureIndices(client *elasticsearch.Client, cfg config.Config) error {
	mappings := map[string]string{
		EntityVersionsIndex: versionsMapping,
	}

	for name, mapping := range mappings {
		index := config.FormatIndex(cfg, name)

		exists, err := indexExists(client, index)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		log.Info().Str("index", index).Msg("Creating index")
		if err := createIndex(client, index, mapping); err != nil {
			return err
		}
	}
	return nil
}

func indexExists(client *elasticsearch.Client, index string) (bool, error) {
	res, err := client.Indices.Exists([]string{index})
	if err != nil {
		return false, fmt.Errorf("error checking index %s: %w", index, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("error checking index %s: %s", index, res.String())
	}
}

// createIndex creates index with mapping. Losing a creation race to another
// worker is not an error.
func createIndex(client *elasticsearch.Client, index, mapping string) error {
	res, err := client.Indices.Create(index, client.Indices.Create.WithBody(strings.NewReader(mapping)))
	if err != nil {
		return fmt.Errorf("error creating index %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		if res.StatusCode == http.StatusBadRequest && strings.Contains(res.String(), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("error creating index %s: %s", index, res.String())
	}
	return nil
}
