package groups

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Directory resolves group names and answers membership questions.
type Directory interface {
	// ResolveGroupID returns the object id of the group with the given
	// display name. found is false when no group matches.
	ResolveGroupID(ctx context.Context, name string) (id string, found bool, err error)
	// CheckMemberGroups returns the subset of ids the user belongs to.
	CheckMemberGroups(ctx context.Context, username string, ids []string) ([]string, error)
}

// GraphDirectory is a Directory backed by a Graph-style REST API.
type GraphDirectory struct {
	BaseURL string
	Client  *http.Client
	// Token supplies the bearer token sent with every call.
	Token func(ctx context.Context) (string, error)
}

var _ Directory = (*GraphDirectory)(nil)

type valueList[T any] struct {
	Value []T `json:"value"`
}

func (d *GraphDirectory) ResolveGroupID(ctx context.Context, name string) (string, bool, error) {
	q := url.Values{}
	q.Set("$filter", "displayName eq '"+strings.ReplaceAll(name, "'", "''")+"'")
	q.Set("$select", "id")

	var out valueList[struct {
		ID string `json:"id"`
	}]
	if err := d.do(ctx, http.MethodGet, "/groups?"+q.Encode(), nil, &out); err != nil {
		return "", false, err
	}
	if len(out.Value) == 0 || out.Value[0].ID == "" {
		return "", false, nil
	}
	return out.Value[0].ID, true, nil
}

func (d *GraphDirectory) CheckMemberGroups(ctx context.Context, username string, ids []string) ([]string, error) {
	body := struct {
		GroupIDs []string `json:"groupIds"`
	}{GroupIDs: ids}

	var out valueList[string]
	if err := d.do(ctx, http.MethodPost, "/users/"+url.PathEscape(username)+"/checkMemberGroups", body, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (d *GraphDirectory) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(d.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.Token != nil {
		tok, err := d.Token(ctx)
		if err != nil {
			return fmt.Errorf("service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
