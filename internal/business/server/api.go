package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"
	"github.com/oapi-codegen/runtime/strictmiddleware/nethttp"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/portfolio-site/internal/avatar"
	"github.com/openkcm/portfolio-site/internal/config"
	"github.com/openkcm/portfolio-site/internal/serviceerr"
)

const noStore = "no-cache, no-store, must-revalidate"

// responseVisitor writes a successful response.
type responseVisitor interface {
	VisitResponse(w http.ResponseWriter) error
}

type errorModel struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

func (r healthResponse) VisitResponse(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", noStore)
	w.WriteHeader(http.StatusOK)

	return json.NewEncoder(w).Encode(r)
}

type avatarRequest struct {
	Src string
}

type avatarResponse struct {
	image *avatar.Image
}

func (r avatarResponse) VisitResponse(w http.ResponseWriter) error {
	defer r.image.Body.Close()

	w.Header().Set("Content-Type", r.image.ContentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int64(r.image.MaxAge/time.Second)))
	w.WriteHeader(http.StatusOK)

	_, err := io.Copy(w, r.image.Body)

	return err
}

// apiServer implements the operations of the public API.
type apiServer struct {
	service string
	proxy   *avatar.Proxy
	now     func() time.Time
}

func newAPIServer(cfg *config.Config, proxy *avatar.Proxy) *apiServer {
	return &apiServer{
		service: cfg.Application.Name,
		proxy:   proxy,
		now:     time.Now,
	}
}

// Health reports that the API is up.
func (s *apiServer) Health(_ context.Context, _ http.ResponseWriter, _ *http.Request, _ any) (any, error) {
	return healthResponse{
		Status:    "ok",
		Service:   s.service,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}, nil
}

// Avatar streams an avatar from an allowed host.
func (s *apiServer) Avatar(ctx context.Context, _ http.ResponseWriter, _ *http.Request, request any) (any, error) {
	req, ok := request.(avatarRequest)
	if !ok {
		return nil, serviceerr.ErrInvalidRequest
	}

	slogctx.Debug(ctx, "Avatar() called", "src", req.Src)
	defer slogctx.Debug(ctx, "Avatar() completed")

	img, err := s.proxy.Fetch(ctx, req.Src)
	if err != nil {
		return nil, err
	}

	return avatarResponse{image: img}, nil
}

// bindAvatarRequest binds the query of an avatar request.
func bindAvatarRequest(r *http.Request) (any, error) {
	var req avatarRequest

	err := runtime.BindQueryParameter("form", true, true, "src", r.URL.Query(), &req.Src)
	if err != nil {
		return nil, &serviceerr.Error{Err: serviceerr.CodeInvalidRequest, Description: fmt.Sprintf("invalid format for parameter src: %s", err)}
	}

	return req, nil
}

func noRequest(*http.Request) (any, error) {
	return nil, nil
}

// handle turns a strict handler into an http.HandlerFunc. The request object
// is bound by bind, failures are answered with an error model.
func handle(
	operationID string,
	bind func(*http.Request) (any, error),
	f nethttp.StrictHTTPHandlerFunc,
	middlewares ...nethttp.StrictHTTPMiddlewareFunc,
) http.HandlerFunc {
	for _, middleware := range middlewares {
		f = middleware(f, operationID)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		request, err := bind(r)
		if err != nil {
			writeError(ctx, w, err)
			return
		}

		response, err := f(ctx, w, r, request)
		if err != nil {
			writeError(ctx, w, err)
			return
		}

		visitor, ok := response.(responseVisitor)
		if !ok {
			writeError(ctx, w, fmt.Errorf("unexpected response type %T", response))
			return
		}

		if err := visitor.VisitResponse(w); err != nil {
			slogctx.Warn(ctx, "Failed to write response", "operation", operationID, "error", err)
		}
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	model, status := toErrorModel(err)
	if status >= http.StatusInternalServerError {
		slogctx.Error(ctx, "Request failed", "error", err)
	} else {
		slogctx.Debug(ctx, "Request rejected", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", noStore)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(model)
}

func toErrorModel(err error) (model errorModel, httpStatus int) {
	var serviceErr *serviceerr.Error
	if !errors.As(err, &serviceErr) {
		serviceErr = serviceerr.ErrUnknown
	}

	return errorModel{
		Error:            string(serviceErr.Err),
		ErrorDescription: serviceErr.Description,
	}, serviceErr.HTTPStatus()
}
