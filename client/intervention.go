package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
)

// resolveInterventionRequest mirrors the server's resolve body.
type resolveInterventionRequest struct {
	Resolution string `json:"resolution"`
}

// ListInterventionsOpts filters and paginates ListInterventions.
type ListInterventionsOpts struct {
	Unresolved    bool
	TransactionID id.TransactionID
	Limit         int
	Offset        int
}

// ListInterventions lists intervention queue entries, oldest first.
func (c *Client) ListInterventions(ctx context.Context, opts ListInterventionsOpts) ([]*intervention.Entry, error) {
	q := url.Values{}
	if opts.Unresolved {
		q.Set("unresolved", "true")
	}
	if !opts.TransactionID.IsNil() {
		q.Set("transaction_id", opts.TransactionID.String())
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	var entries []*intervention.Entry
	if err := c.do(ctx, http.MethodGet, "/v1/interventions", q, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetIntervention fetches an intervention entry by id.
func (c *Client) GetIntervention(ctx context.Context, entryID id.InterventionID) (*intervention.Entry, error) {
	var entry intervention.Entry
	if err := c.do(ctx, http.MethodGet, "/v1/interventions/"+entryID.String(), nil, nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ResolveIntervention marks an entry handled and returns the updated
// record.
func (c *Client) ResolveIntervention(ctx context.Context, entryID id.InterventionID, resolution string) (*intervention.Entry, error) {
	req := resolveInterventionRequest{Resolution: resolution}

	var entry intervention.Entry
	if err := c.do(ctx, http.MethodPost, "/v1/interventions/"+entryID.String()+"/resolve", nil, req, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
