package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/fault"
)

// Collection retrieves basic collection information.
func (c *Client) Collection(ctx context.Context, name string) (*CollectionInfo, error) {
	url := fmt.Sprintf("%s/collections/%s", c.base, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "build collection request")
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, name)
	}

	var result struct {
		Result struct {
			Status      string `json:"status"`
			PointsCount int64  `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "decode collection info")
	}

	return &CollectionInfo{
		Name:        name,
		VectorSize:  result.Result.Config.Params.Vectors.Size,
		PointsCount: result.Result.PointsCount,
	}, nil
}

// ValidateDimensions checks every configured collection against the embedding
// dimension. Run at startup so a mis-provisioned store fails fast instead of
// returning garbage similarities.
func (c *Client) ValidateDimensions(ctx context.Context, collections []string, expected int) error {
	if expected <= 0 {
		return nil
	}
	for _, name := range collections {
		info, err := c.Collection(ctx, name)
		if err != nil {
			return fmt.Errorf("validate collection %s: %w", name, err)
		}
		if info.VectorSize != expected {
			return DimensionMismatchError{
				Collection: name,
				Expected:   expected,
				Got:        info.VectorSize,
			}
		}
		c.log.Info("Collection dimension validated",
			zap.String("collection", name),
			zap.Int("dimension", info.VectorSize),
			zap.Int64("points", info.PointsCount))
	}
	return nil
}
