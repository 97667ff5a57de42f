package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"retro/api/internal/auth"
	"retro/api/internal/store"
	"retro/api/internal/team"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	CORSOrigin  string
	TokenSecret []byte
	TokenTTL    time.Duration
	// Realtime serves GET /ws when set.
	Realtime http.Handler
	// Checks are pinged by /api/ready, keyed by the name reported.
	Checks map[string]Pinger
}

type HTTPServer struct {
	teams  *team.Service
	logger *zap.Logger
	opts   Options
	now    func() time.Time
}

func NewHTTPServer(teams *team.Service, logger *zap.Logger, opts Options) *HTTPServer {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 12 * time.Hour
	}
	return &HTTPServer{teams: teams, logger: logger, opts: opts, now: time.Now}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(s.opts.CORSOrigin),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Post("/api/team/create", s.handleCreateTeam)
	r.Post("/api/team/login", s.handleLogin)
	r.Route("/api/team/{teamID}", func(tr chi.Router) {
		tr.Use(s.requireTeamToken)
		tr.Get("/", s.handleGetTeam)
		tr.Post("/update", s.handleUpdateTeam)
		tr.Post("/members", s.handleMembers)
		tr.Post("/retrospective/{retroID}", s.handleRetrospective)
		tr.Post("/healthcheck/{healthCheckID}", s.handleHealthCheck)
		tr.Post("/actions", s.handleAction)
		tr.Post("/password", s.handlePassword)
	})

	if s.opts.Realtime != nil {
		r.Handle("/ws", s.opts.Realtime)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	for name, pinger := range s.opts.Checks {
		if err := pinger.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name             string `json:"name"`
		Password         string `json:"password"`
		FacilitatorEmail string `json:"facilitatorEmail"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result, err := s.teams.Create(r.Context(), team.CreateInput{
		Name:             body.Name,
		Password:         body.Password,
		FacilitatorEmail: body.FacilitatorEmail,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeAuthenticated(w, r, http.StatusCreated, result)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TeamName string `json:"teamName"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result, err := s.teams.Login(r.Context(), body.TeamName, body.Password)
	if errors.Is(err, team.ErrTeamNotFound) || errors.Is(err, team.ErrInvalidPassword) {
		writeError(w, http.StatusUnauthorized, err.Error(), err.Error(), nil)
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeAuthenticated(w, r, http.StatusOK, result)
}

func (s *HTTPServer) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	result, err := s.teams.Get(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, teamResponse(result))
}

func (s *HTTPServer) handleUpdateTeam(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Team *team.ClientTeam `json:"team"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Team == nil {
		s.writeServiceError(w, r, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "team is required", nil))
		return
	}
	s.update(w, r, team.ReplaceContent(*body.Team), teamResponse)
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Members         []store.Member `json:"members"`
		ArchivedMembers []store.Member `json:"archivedMembers"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Members == nil && body.ArchivedMembers == nil {
		s.writeServiceError(w, r, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "members or archivedMembers is required", nil))
		return
	}
	s.update(w, r, team.SetMembers(body.Members, body.ArchivedMembers), teamResponse)
}

func (s *HTTPServer) handleRetrospective(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Retrospective *store.Retrospective `json:"retrospective"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Retrospective == nil {
		s.writeServiceError(w, r, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "retrospective is required", nil))
		return
	}
	retro := *body.Retrospective
	retro.ID = chi.URLParam(r, "retroID")
	s.update(w, r, team.UpsertRetrospective(retro), metaResponse)
}

func (s *HTTPServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HealthCheck *store.HealthCheck `json:"healthCheck"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.HealthCheck == nil {
		s.writeServiceError(w, r, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "healthCheck is required", nil))
		return
	}
	check := *body.HealthCheck
	check.ID = chi.URLParam(r, "healthCheckID")
	s.update(w, r, team.UpsertHealthCheck(check), metaResponse)
}

func (s *HTTPServer) handleAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action *store.Action `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Action == nil || strings.TrimSpace(body.Action.Text) == "" {
		s.writeServiceError(w, r, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "action text is required", nil))
		return
	}
	action := *body.Action
	if action.ID == "" {
		// minted outside the update so every retry appends the same action
		action.ID = uuid.NewString()
	}
	s.update(w, r, team.AppendGlobalAction(action), teamResponse)
}

func (s *HTTPServer) handlePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.teams.ChangePassword(r.Context(), chi.URLParam(r, "teamID"), body.CurrentPassword, body.NewPassword)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	// tokens issued before the rotation stop working, so hand out a new one
	token, err := s.issueToken(result)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	response := metaResponse(result)
	response["token"] = token
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) update(w http.ResponseWriter, r *http.Request, fn team.UpdateFunc, respond func(team.Result) map[string]any) {
	result, err := s.teams.AtomicUpdate(r.Context(), chi.URLParam(r, "teamID"), fn)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, respond(result))
}

func (s *HTTPServer) writeAuthenticated(w http.ResponseWriter, r *http.Request, status int, result team.Result) {
	token, err := s.issueToken(result)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	response := teamResponse(result)
	response["token"] = token
	writeJSON(w, status, response)
}

func (s *HTTPServer) issueToken(result team.Result) (string, error) {
	token, err := auth.IssueToken(s.opts.TokenSecret, result.Team.ID, team.CredentialStamp(result.Team), s.opts.TokenTTL, s.now())
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

// requireTeamToken admits requests whose bearer token was issued for the
// team in the path against its current password.
func (s *HTTPServer) requireTeamToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := auth.ParseToken(s.opts.TokenSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		if claims.TeamID != chi.URLParam(r, "teamID") {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		if err := s.teams.VerifyCredentialStamp(r.Context(), claims.TeamID, claims.Stamp); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type meta struct {
	Revision int64 `json:"revision"`
}

// teamResponse is the only way a team leaves the server.
func teamResponse(result team.Result) map[string]any {
	return map[string]any{
		"team": team.Sanitize(result.Team),
		"meta": meta{Revision: result.Revision},
	}
}

func metaResponse(result team.Result) map[string]any {
	return map[string]any{"meta": meta{Revision: result.Revision}}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitOrigins(value string) []string {
	var origins []string
	for _, origin := range strings.Split(value, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
