package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"
)

// errLoginRejected is returned when the API answers a login with false.
var errLoginRejected = errors.New("login rejected")

// odooFault is an error answered by the server. The server rolls back the
// call's transaction, so nothing was created.
type odooFault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (f *odooFault) Error() string {
	if f.Data.Message != "" {
		return fmt.Sprintf("%s: %s", f.Data.Name, f.Data.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", f.Code, f.Message)
}

// odooClient talks to the destination's business-object API over JSON-RPC.
type odooClient struct {
	cfg    APIConfig
	http   *http.Client
	uid    int64
	nextID int
}

func newOdooClient(cfg APIConfig, timeout time.Duration) *odooClient {
	// Creates can run server-side computations well past the connect timeout.
	return &odooClient{cfg: cfg, http: &http.Client{Timeout: 6 * timeout}}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int       `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *odooFault      `json:"error"`
}

// call performs one JSON-RPC call and decodes its result into out.
func (c *odooClient) call(ctx context.Context, service, method string, args []any, out any) error {
	c.nextID++
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.nextID,
	})
	if err != nil {
		return fmt.Errorf("encode %s.%s: %w", service, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s.%s: HTTP %d: %s", service, method, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("decode %s.%s response: %w", service, method, err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("decode %s.%s result: %w", service, method, err)
	}
	return nil
}

// Login authenticates and keeps the uid for later calls.
func (c *odooClient) Login(ctx context.Context) error {
	var raw json.RawMessage
	if err := c.call(ctx, "common", "login", []any{c.cfg.DB, c.cfg.Login, c.cfg.Password}, &raw); err != nil {
		return err
	}
	var uid int64
	if err := json.Unmarshal(raw, &uid); err != nil || uid == 0 {
		return fmt.Errorf("%w for %s on %s", errLoginRejected, c.cfg.Login, c.cfg.DB)
	}
	c.uid = uid
	return nil
}

func (c *odooClient) executeKw(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return c.call(ctx, "object", "execute_kw",
		[]any{c.cfg.DB, c.uid, c.cfg.Password, model, method, args, kwargs}, out)
}

type fieldInfo struct {
	Type      string          `json:"type"`
	Store     *bool           `json:"store"`
	Selection json.RawMessage `json:"selection"`
}

// columnBacked reports whether the field is stored in a column of the model's table.
func (f fieldInfo) columnBacked() bool {
	if f.Store != nil && !*f.Store {
		return false
	}
	return f.Type != "one2many" && f.Type != "many2many"
}

// FieldNames returns the model's column-backed fields, sorted.
func (c *odooClient) FieldNames(ctx context.Context, model string) ([]string, error) {
	var fields map[string]fieldInfo
	err := c.executeKw(ctx, model, "fields_get", []any{},
		map[string]any{"attributes": []string{"type", "store"}}, &fields)
	if err != nil {
		return nil, fmt.Errorf("fields of %s: %w", model, err)
	}
	names := make([]string, 0, len(fields))
	for name, f := range fields {
		if f.columnBacked() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Selection returns the declared options of a selection field.
func (c *odooClient) Selection(ctx context.Context, model, field string) ([]SelectionOption, error) {
	var fields map[string]fieldInfo
	err := c.executeKw(ctx, model, "fields_get", []any{[]string{field}},
		map[string]any{"attributes": []string{"type", "selection"}}, &fields)
	if err != nil {
		return nil, fmt.Errorf("selection %s.%s: %w", model, field, err)
	}
	f, ok := fields[field]
	if !ok {
		return nil, fmt.Errorf("selection %s.%s: field not found", model, field)
	}
	return decodeSelection(f.Selection)
}

// decodeSelection parses [[value, label], ...] pairs.
func decodeSelection(raw json.RawMessage) ([]SelectionOption, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var pairs [][]any
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}
	opts := make([]SelectionOption, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("decode selection: malformed pair %v", p)
		}
		opts = append(opts, SelectionOption{Value: fmt.Sprint(p[0]), Label: fmt.Sprint(p[1])})
	}
	return opts, nil
}

// Create creates one record through the model's create method and returns its id.
func (c *odooClient) Create(ctx context.Context, model string, vals recordValues) (int64, error) {
	var raw json.RawMessage
	if err := c.executeKw(ctx, model, "create", []any{apiValues(vals)}, nil, &raw); err != nil {
		return 0, err
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err == nil && len(ids) == 1 {
		return ids[0], nil
	}
	return 0, fmt.Errorf("create %s: unexpected result %s", model, raw)
}

// createOutcomeUnknown reports whether a failed create may still have
// produced a record. Server faults and refused connections did not.
func createOutcomeUnknown(err error) bool {
	var fault *odooFault
	if errors.As(err, &fault) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return false
	}
	return true
}

// apiValues converts driver values into what the JSON-RPC endpoint accepts.
func apiValues(vals recordValues) map[string]any {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		switch x := v.(type) {
		case time.Time:
			out[k] = x.UTC().Format("2006-01-02 15:04:05")
		case []byte:
			out[k] = string(x)
		case nil:
			out[k] = false
		default:
			out[k] = v
		}
	}
	return out
}
