package vectordb

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config holds connection settings for the vector store.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Hit is a single scored point returned from a collection search. Payload
// stays raw so callers can pull fields out without a full decode.
type Hit struct {
	ID      string
	Score   float64
	Payload json.RawMessage
	Vector  []float32
}

// SearchOptions tune a single Search call.
type SearchOptions struct {
	Limit      int
	Threshold  float64
	Filter     map[string]interface{}
	WithVector bool
}

// Point is a single point for Upsert.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// CollectionInfo holds basic information about a collection.
type CollectionInfo struct {
	Name        string
	VectorSize  int
	PointsCount int64
}

// DimensionMismatchError is returned when the configured embedding dimension
// does not match what a collection was created with.
type DimensionMismatchError struct {
	Collection string
	Expected   int
	Got        int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("collection %s holds %d-dim vectors, embeddings are %d-dim; recreate the collection or change embedding.model",
		e.Collection, e.Got, e.Expected)
}
