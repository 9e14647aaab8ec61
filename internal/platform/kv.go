package platform

import (
	"context"
	"net/http"
)

// GetRecord reads a raw key-value store record. A missing record returns
// found=false and no error.
func (c *Client) GetRecord(ctx context.Context, storeID, key string) ([]byte, bool, error) {
	body, err := c.do(ctx, http.MethodGet, recordPath(storeID, key), nil, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return body, true, nil
}

// SetRecord stores value as a JSON record.
func (c *Client) SetRecord(ctx context.Context, storeID, key string, value []byte) error {
	_, err := c.do(ctx, http.MethodPut, recordPath(storeID, key), nil, value)
	return err
}

func recordPath(storeID, key string) string {
	return "/v2/key-value-stores/" + escape(storeID) + "/records/" + escape(key)
}
