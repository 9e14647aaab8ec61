package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"queue-rebirth/internal/models"
)

// ListRequests returns up to limit requests of the queue that come after
// exclusiveStartID. An empty exclusiveStartID starts at the head.
func (c *Client) ListRequests(ctx context.Context, queueID, exclusiveStartID string, limit int) ([]models.WorkItem, error) {
	q := url.Values{}
	if exclusiveStartID != "" {
		q.Set("exclusiveStartId", exclusiveStartID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, http.MethodGet, "/v2/request-queues/"+escape(queueID)+"/requests", q, nil)
	if err != nil {
		return nil, err
	}
	var page listPage[models.WorkItem]
	if err := decodeData(body, &page); err != nil {
		return nil, fmt.Errorf("list requests of queue %s: %w", queueID, err)
	}
	return page.Items, nil
}

// UpdateRequest writes the item back to the queue.
func (c *Client) UpdateRequest(ctx context.Context, queueID string, item models.WorkItem) error {
	if item.ID == "" {
		return fmt.Errorf("update request in queue %s: item id is required", queueID)
	}
	path := "/v2/request-queues/" + escape(queueID) + "/requests/" + escape(item.ID)
	_, err := c.do(ctx, http.MethodPut, path, nil, item)
	return err
}
