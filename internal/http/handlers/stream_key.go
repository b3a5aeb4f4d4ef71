package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vtcast/internal/models"
	"github.com/jmylchreest/vtcast/internal/streamkey"
)

// KeyManager issues and checks stream keys.
type KeyManager interface {
	GenerateKey(ctx context.Context, userID, streamID string, opts streamkey.GenerateOptions) (streamkey.IssuedKey, error)
	ValidateKey(ctx context.Context, key, ip string) (bool, error)
	RevokeKey(ctx context.Context, key string) error
	ListKeys(ctx context.Context, userID string) ([]*models.StreamKey, error)
	GetOrCreateAlias(ctx context.Context, alias, userID, streamID string) (string, error)
	GetKeyByAlias(ctx context.Context, alias string) (string, error)
}

// StreamKeyHandler manages stream keys. Responses carry plaintext keys, so
// the API must only be reachable by operators.
type StreamKeyHandler struct {
	keys KeyManager
}

// NewStreamKeyHandler creates a new stream key handler.
func NewStreamKeyHandler(keys KeyManager) *StreamKeyHandler {
	return &StreamKeyHandler{keys: keys}
}

// GenerateKeyInput is the input for issuing a key.
type GenerateKeyInput struct {
	Body struct {
		UserID     string   `json:"user_id" minLength:"1" doc:"Owner of the key"`
		StreamID   string   `json:"stream_id" minLength:"1" doc:"Stream the key publishes to"`
		ExpiresIn  string   `json:"expires_in,omitempty" doc:"Optional lifetime such as 1h or 30m"`
		AllowedIPs []string `json:"allowed_ips,omitempty" doc:"Addresses or CIDRs allowed to publish"`
	}
}

// GenerateKeyOutput is the output for issuing a key.
type GenerateKeyOutput struct {
	Body struct {
		Key    string            `json:"key" doc:"The plaintext key. It is not retrievable later."`
		Record *models.StreamKey `json:"record"`
	}
}

// ListKeysInput is the input for listing a user's keys.
type ListKeysInput struct {
	UserID string `query:"user_id" required:"true" doc:"Owner whose keys to list"`
}

// ListKeysOutput is the output for listing a user's keys.
type ListKeysOutput struct {
	Body struct {
		Keys []*models.StreamKey `json:"keys"`
	}
}

// ValidateKeyInput is the input for checking a key.
type ValidateKeyInput struct {
	Body struct {
		Key string `json:"key" minLength:"1"`
		IP  string `json:"ip,omitempty" doc:"Address the publisher connects from"`
	}
}

// ValidateKeyOutput is the output for checking a key.
type ValidateKeyOutput struct {
	Body struct {
		Valid bool `json:"valid"`
	}
}

// RevokeKeyInput is the input for revoking a key.
type RevokeKeyInput struct {
	Body struct {
		Key string `json:"key" minLength:"1"`
	}
}

// RevokeKeyOutput is the output for revoking a key.
type RevokeKeyOutput struct{}

// AliasInput is the input for creating or resolving an alias.
type AliasInput struct {
	Body struct {
		Alias    string `json:"alias" minLength:"1" maxLength:"64"`
		UserID   string `json:"user_id" minLength:"1"`
		StreamID string `json:"stream_id" minLength:"1"`
	}
}

// GetAliasInput is the input for resolving an existing alias.
type GetAliasInput struct {
	Alias string `path:"alias" doc:"Alias name"`
}

// AliasOutput is the key managed under an alias.
type AliasOutput struct {
	Body struct {
		Alias string `json:"alias"`
		Key   string `json:"key"`
	}
}

// Register registers the stream key routes with the API.
func (h *StreamKeyHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "generateStreamKey",
		Method:        http.MethodPost,
		Path:          "/api/v1/stream-keys",
		Summary:       "Issue stream key",
		Description:   "Issues a new key. Only its hash is stored; the plaintext is returned once.",
		Tags:          []string{"Stream Keys"},
		DefaultStatus: http.StatusCreated,
	}, h.Generate)

	huma.Register(api, huma.Operation{
		OperationID: "listStreamKeys",
		Method:      http.MethodGet,
		Path:        "/api/v1/stream-keys",
		Summary:     "List stream keys",
		Tags:        []string{"Stream Keys"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "validateStreamKey",
		Method:      http.MethodPost,
		Path:        "/api/v1/stream-keys/validate",
		Summary:     "Validate stream key",
		Tags:        []string{"Stream Keys"},
	}, h.Validate)

	huma.Register(api, huma.Operation{
		OperationID:   "revokeStreamKey",
		Method:        http.MethodPost,
		Path:          "/api/v1/stream-keys/revoke",
		Summary:       "Revoke stream key",
		Tags:          []string{"Stream Keys"},
		DefaultStatus: http.StatusNoContent,
	}, h.Revoke)

	huma.Register(api, huma.Operation{
		OperationID: "createStreamKeyAlias",
		Method:      http.MethodPost,
		Path:        "/api/v1/stream-keys/aliases",
		Summary:     "Get or create alias",
		Description: "Returns the key managed under an alias, issuing a new one if the alias is new or its key lapsed",
		Tags:        []string{"Stream Keys"},
	}, h.CreateAlias)

	huma.Register(api, huma.Operation{
		OperationID: "getStreamKeyAlias",
		Method:      http.MethodGet,
		Path:        "/api/v1/stream-keys/aliases/{alias}",
		Summary:     "Resolve alias",
		Tags:        []string{"Stream Keys"},
	}, h.GetAlias)
}

// Generate issues a key.
func (h *StreamKeyHandler) Generate(ctx context.Context, input *GenerateKeyInput) (*GenerateKeyOutput, error) {
	opts := streamkey.GenerateOptions{AllowedIPs: input.Body.AllowedIPs}
	if input.Body.ExpiresIn != "" {
		d, err := time.ParseDuration(input.Body.ExpiresIn)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid expires_in", err)
		}
		opts.ExpiresIn = d
	}

	issued, err := h.keys.GenerateKey(ctx, input.Body.UserID, input.Body.StreamID, opts)
	if err != nil {
		return nil, keyError("failed to issue stream key", err)
	}

	out := &GenerateKeyOutput{}
	out.Body.Key = issued.Key
	out.Body.Record = issued.Record
	return out, nil
}

// List returns the keys issued to a user.
func (h *StreamKeyHandler) List(ctx context.Context, input *ListKeysInput) (*ListKeysOutput, error) {
	keys, err := h.keys.ListKeys(ctx, input.UserID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list stream keys", err)
	}
	out := &ListKeysOutput{}
	out.Body.Keys = keys
	if out.Body.Keys == nil {
		out.Body.Keys = []*models.StreamKey{}
	}
	return out, nil
}

// Validate checks a key without publishing.
func (h *StreamKeyHandler) Validate(ctx context.Context, input *ValidateKeyInput) (*ValidateKeyOutput, error) {
	ok, err := h.keys.ValidateKey(ctx, input.Body.Key, input.Body.IP)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to validate stream key", err)
	}
	out := &ValidateKeyOutput{}
	out.Body.Valid = ok
	return out, nil
}

// Revoke deactivates a key.
func (h *StreamKeyHandler) Revoke(ctx context.Context, input *RevokeKeyInput) (*RevokeKeyOutput, error) {
	if err := h.keys.RevokeKey(ctx, input.Body.Key); err != nil {
		return nil, keyError("failed to revoke stream key", err)
	}
	return &RevokeKeyOutput{}, nil
}

// CreateAlias returns, issuing if needed, the key under an alias.
func (h *StreamKeyHandler) CreateAlias(ctx context.Context, input *AliasInput) (*AliasOutput, error) {
	key, err := h.keys.GetOrCreateAlias(ctx, input.Body.Alias, input.Body.UserID, input.Body.StreamID)
	if err != nil {
		return nil, keyError("failed to resolve alias", err)
	}
	out := &AliasOutput{}
	out.Body.Alias = input.Body.Alias
	out.Body.Key = key
	return out, nil
}

// GetAlias resolves an existing alias to its current key.
func (h *StreamKeyHandler) GetAlias(ctx context.Context, input *GetAliasInput) (*AliasOutput, error) {
	key, err := h.keys.GetKeyByAlias(ctx, input.Alias)
	if err != nil {
		if errors.Is(err, streamkey.ErrInvalidKey) {
			return nil, huma.Error404NotFound(fmt.Sprintf("alias %s has no valid key", input.Alias))
		}
		return nil, keyError("failed to resolve alias", err)
	}
	out := &AliasOutput{}
	out.Body.Alias = input.Alias
	out.Body.Key = key
	return out, nil
}

// keyError maps stream key errors to HTTP errors.
func keyError(msg string, err error) error {
	switch {
	case errors.Is(err, streamkey.ErrKeyNotFound):
		return huma.Error404NotFound("stream key not found")
	case errors.Is(err, streamkey.ErrAliasConflict):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, streamkey.ErrInvalidAlias),
		errors.Is(err, streamkey.ErrInvalidAllowedIP),
		errors.Is(err, streamkey.ErrInvalidExpiry),
		errors.Is(err, models.ErrUserIDRequired),
		errors.Is(err, models.ErrStreamIDRequired):
		return huma.Error400BadRequest(err.Error())
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
