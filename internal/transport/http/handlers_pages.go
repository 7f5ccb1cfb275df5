package httptransport

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatekeeper/pkg/requestcontext"
)

var (
	indexPage = template.Must(template.New("index").Parse(`<!doctype html>
<html><body>
<p>Hey {{.DisplayName}}!</p>
<ul>
<li><a href="/protected">Protected area</a></li>
<li><a href="/me">Who am I</a></li>
<li><a href="/logout">Log out</a></li>
</ul>
</body></html>
`))
	protectedPage = template.Must(template.New("protected").Parse(`<!doctype html>
<html><body>
<p>Welcome to the protected area, {{.DisplayName}}.</p>
<p><a href="/">Home</a></p>
</body></html>
`))
)

// meResponse is the JSON shape of GET /me.
type meResponse struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
}

// PageHandler serves the routes behind the auth gate.
type PageHandler struct {
	logger *slog.Logger
}

func NewPageHandler(logger *slog.Logger) *PageHandler {
	return &PageHandler{logger: logger}
}

// Register mounts the protected routes. The caller wraps r with the gate.
func (h *PageHandler) Register(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get("/protected", h.handleProtected)
	r.Get("/me", h.handleMe)
}

func (h *PageHandler) handleIndex(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, indexPage)
}

func (h *PageHandler) handleProtected(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, protectedPage)
}

func (h *PageHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := requestcontext.Identity(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Not signed in")
		return
	}
	roles := identity.Roles
	if roles == nil {
		roles = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(meResponse{
		ID:          identity.ID(),
		DisplayName: identity.DisplayName,
		Username:    identity.Username,
		Roles:       roles,
	})
}

func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, page *template.Template) {
	ctx := r.Context()
	identity, ok := requestcontext.Identity(ctx)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Not signed in")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Execute(w, identity); err != nil {
		h.logger.ErrorContext(ctx, "failed to render page",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
}

// handleNoCredentials is the public landing page for rejected browsers.
func handleNoCredentials(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte("No credentials"))
}
