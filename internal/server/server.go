package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"railplan/internal/domain"
	"railplan/internal/extract"
	"railplan/internal/ingest"
	"railplan/internal/sched"
	"railplan/internal/store"
)

// Extractor turns an uploaded report into structured entries. Implemented by
// extract.Client; nil when no extraction endpoint is configured.
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) ([]domain.Entry, string, error)
	Model() string
}

// Config for the HTTP API handler.
type Config struct {
	Engine    sched.Engine
	Store     *store.Store
	Extractor Extractor
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"train_id is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Railplan API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope everywhere.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Railplan API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSchedule(group, cfg.Engine)
	registerData(group, cfg.Store)
	registerIngest(group, cfg.Store, cfg.Extractor)
	registerTrains(group, cfg.Store)
	registerAudit(group, cfg.Store)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, extract.ErrService) {
		return newAPIError(http.StatusBadGateway, "extraction_failed", err.Error(), nil)
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadGateway:
		return "extraction_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSchedule(api huma.API, e sched.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "schedule",
		Method:      http.MethodPost,
		Path:        "/schedule",
		Summary:     "Plan the next cycle",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body sched.Params `json:"body"`
	}) (*struct {
		Body sched.Result `json:"body"`
	}, error) {
		res, err := e.Schedule(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sched.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerData(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "get-data",
		Method:      http.MethodGet,
		Path:        "/data",
		Summary:     "List every persisted record grouped by aspect",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		body := map[string]any{}
		trains, err := st.ListTrains(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if trains == nil {
			trains = []domain.Train{}
		}
		body["trains"] = trains
		for _, aspect := range domain.Aspects {
			recs, err := st.History(ctx, aspect)
			if err != nil {
				return nil, handleError(err)
			}
			rows := make([]map[string]any, 0, len(recs))
			for _, rec := range recs {
				rows = append(rows, dataRow(rec))
			}
			body[string(aspect)] = rows
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerIngest(api huma.API, st *store.Store, ex Extractor) {
	norm := ingest.Normalizer{Store: st}

	huma.Register(api, huma.Operation{
		OperationID: "ingest-report",
		Method:      http.MethodPost,
		Path:        "/ingest",
		Summary:     "Extract a field report and apply its entries",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Filename string `query:"filename"`
		RawBody  []byte
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if ex == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "extraction_unavailable", "no extraction endpoint configured", nil)
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "report body is required", nil)
		}
		filename := input.Filename
		if filename == "" {
			filename = "upload"
		}
		entries, raw, err := ex.Extract(ctx, filename, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		updates, err := norm.Apply(ctx, entries)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := norm.Record(ctx, filename, int64(len(input.RawBody)), ex.Model(), entries, updates, raw); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: ingestResponse(entries, updates, raw)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-entries",
		Method:      http.MethodPost,
		Path:        "/ingest/entries",
		Summary:     "Apply pre-extracted entries",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IngestEntriesRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if len(input.Body.Entries) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entries is required", nil)
		}
		updates, err := norm.Apply(ctx, input.Body.Entries)
		if err != nil {
			return nil, handleError(err)
		}
		source := input.Body.Source
		if source == "" {
			source = "entries"
		}
		size := int64(0)
		if data, err := json.Marshal(input.Body.Entries); err == nil {
			size = int64(len(data))
		}
		if _, err := norm.Record(ctx, source, size, "", input.Body.Entries, updates, ""); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: ingestResponse(input.Body.Entries, updates, "")}, nil
	})
}

func ingestResponse(entries []domain.Entry, updates []domain.Update, raw string) IngestResponse {
	if entries == nil {
		entries = []domain.Entry{}
	}
	if updates == nil {
		updates = []domain.Update{}
	}
	return IngestResponse{Parsed: entries, Updates: updates, Raw: raw}
}

func registerTrains(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trains",
		Method:      http.MethodGet,
		Path:        "/trains",
		Summary:     "List trains with their current record per aspect",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TrainRecord `json:"body"`
	}, error) {
		snap, err := st.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		records := make([]TrainRecord, 0, len(snap.Trains))
		for _, id := range snap.TrainIDs() {
			records = append(records, trainRecord(snap, id))
		}
		return &struct {
			Body []TrainRecord `json:"body"`
		}{Body: records}, nil
	})
}

func registerAudit(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List ingestion audit records, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		N int `query:"n" default:"20"`
	}) (*struct {
		Body []domain.AuditRecord `json:"body"`
	}, error) {
		if input.N < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "n must be non-negative", nil)
		}
		records, err := st.ListAudit(ctx, input.N)
		if err != nil {
			return nil, handleError(err)
		}
		if records == nil {
			records = []domain.AuditRecord{}
		}
		return &struct {
			Body []domain.AuditRecord `json:"body"`
		}{Body: records}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Railplan API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}
