package main

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/kelpielabs/gatehouse/pkg/audit"
	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/auth/apikey"
	"github.com/kelpielabs/gatehouse/pkg/contextkeys"
	"github.com/kelpielabs/gatehouse/pkg/httputil"
	"github.com/kelpielabs/gatehouse/pkg/middleware"
	"github.com/kelpielabs/gatehouse/pkg/observability"
	"github.com/kelpielabs/gatehouse/pkg/rbac"
	"github.com/kelpielabs/gatehouse/pkg/scope"
	"github.com/kelpielabs/gatehouse/pkg/tenancy"
)

const maxBodyBytes = 1 << 20

// registerOperations fills the permission table. An overlay file can widen
// or narrow these grants at runtime.
func registerOperations(registry *rbac.Registry) {
	everyone := []auth.Role{auth.RoleEndUser, auth.RoleProjectAdmin, auth.RoleTenantAdmin, auth.RolePlatformAdmin}
	projectAdmins := []auth.Role{auth.RoleProjectAdmin, auth.RoleTenantAdmin, auth.RolePlatformAdmin}
	tenantAdmins := []auth.Role{auth.RoleTenantAdmin, auth.RolePlatformAdmin}

	// Documents
	registry.Register("list_documents", everyone...)
	registry.Register("get_document", everyone...)
	registry.Register("upsert_document", everyone...)
	registry.Register("delete_document", projectAdmins...)

	// Vector search
	registry.Register("search_documents", everyone...)
	registry.Register("index_document", everyone...)
	registry.Register("delete_embedding", projectAdmins...)

	// Cache
	registry.Register("read_cache", everyone...)
	registry.Register("write_cache", everyone...)
	registry.Register("invalidate_cache", tenantAdmins...)

	// Per-user memory
	registry.Register("read_memory", everyone...)
	registry.Register("write_memory", everyone...)

	// Objects
	registry.Register("read_object", everyone...)
	registry.Register("write_object", everyone...)
	registry.Register("delete_object", projectAdmins...)

	// Administration
	registry.Register("register_tenant", auth.RolePlatformAdmin)
	registry.Register("manage_members", tenantAdmins...)
	registry.Register("create_api_key", tenantAdmins...)
	registry.Register("revoke_api_key", tenantAdmins...)
	registry.Register("list_api_keys", tenantAdmins...)
	registry.Register("query_audit", tenantAdmins...)
}

// ServerDeps are the stores and services the HTTP handlers use.
type ServerDeps struct {
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Documents *scope.DocumentStore
	Vectors   *scope.VectorIndex
	Cache     *scope.Cache
	Memory    *scope.MemoryStore
	Objects   *scope.ObjectStore
	Tenants   *tenancy.Store
	Keys      *apikey.Store
	Audit     *audit.Store
	AuditLog  audit.Logger
}

// Server holds the protected API handlers. All tenant scoping comes from the
// authenticated identity on the request context, never from caller input.
type Server struct {
	logger    *observability.Logger
	metrics   *observability.Metrics
	documents *scope.DocumentStore
	vectors   *scope.VectorIndex
	cache     *scope.Cache
	memory    *scope.MemoryStore
	objects   *scope.ObjectStore
	tenants   *tenancy.Store
	keys      *apikey.Store
	keygen    *apikey.Generator
	audit     *audit.Store
	auditLog  audit.Logger
}

// NewServer creates the API server.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		documents: deps.Documents,
		vectors:   deps.Vectors,
		cache:     deps.Cache,
		memory:    deps.Memory,
		objects:   deps.Objects,
		tenants:   deps.Tenants,
		keys:      deps.Keys,
		keygen:    apikey.NewGenerator(),
		audit:     deps.Audit,
		auditLog:  deps.AuditLog,
	}
}

// Routes builds the router. Every /v1 route goes through the pipeline; the
// rate limiter sits after it so limits key on the authenticated identity.
func (s *Server) Routes(pipeline *middleware.Pipeline, rateLimit, distributed bool, redisClient *redis.Client) http.Handler {
	r := mux.NewRouter()

	protect := func(operation string, handler http.HandlerFunc) http.Handler {
		return pipeline.Protect(operation, handler)
	}

	v1 := r.PathPrefix("/v1").Subrouter()

	// Documents (PostgreSQL with row-level security)
	v1.Handle("/documents", protect("list_documents", s.handleListDocuments)).Methods(http.MethodGet)
	v1.Handle("/documents", protect("upsert_document", s.handleUpsertDocument)).Methods(http.MethodPost)
	v1.Handle("/documents/{id}", protect("get_document", s.handleGetDocument)).Methods(http.MethodGet)
	v1.Handle("/documents/{id}", protect("delete_document", s.handleDeleteDocument)).Methods(http.MethodDelete)

	// Cross-tenant mirror for platform admins. The {tenant} variable feeds
	// the pipeline's tenant check; everyone else gets a 403 before the
	// handler runs.
	v1.Handle("/tenants/{tenant}/documents", protect("list_documents", s.handleListDocuments)).Methods(http.MethodGet)
	v1.Handle("/tenants/{tenant}/audit", protect("query_audit", s.handleQueryAudit)).Methods(http.MethodGet)
	v1.Handle("/tenants/{tenant}/audit/stats", protect("query_audit", s.handleAuditStats)).Methods(http.MethodGet)

	// Vector search (per-tenant SQLite index files)
	v1.Handle("/search", protect("search_documents", s.handleSearch)).Methods(http.MethodPost)
	v1.Handle("/embeddings", protect("index_document", s.handleIndexEmbedding)).Methods(http.MethodPost)
	v1.Handle("/embeddings/{id}", protect("delete_embedding", s.handleDeleteEmbedding)).Methods(http.MethodDelete)

	// Cache (Redis, tenant-prefixed keys)
	v1.Handle("/cache/{key}", protect("read_cache", s.handleCacheGet)).Methods(http.MethodGet)
	v1.Handle("/cache/{key}", protect("write_cache", s.handleCacheSet)).Methods(http.MethodPut)
	v1.Handle("/cache/{key}", protect("write_cache", s.handleCacheDelete)).Methods(http.MethodDelete)
	v1.Handle("/cache", protect("invalidate_cache", s.handleCacheInvalidate)).Methods(http.MethodDelete)

	// Per-user memory (Redis, tenant+user prefixed keys)
	v1.Handle("/memory/{user}", protect("read_memory", s.handleMemoryList)).Methods(http.MethodGet)
	v1.Handle("/memory/{user}/{key}", protect("read_memory", s.handleMemoryGet)).Methods(http.MethodGet)
	v1.Handle("/memory/{user}/{key}", protect("write_memory", s.handleMemorySet)).Methods(http.MethodPut)
	v1.Handle("/memory/{user}/{key}", protect("write_memory", s.handleMemoryDelete)).Methods(http.MethodDelete)

	// Objects (S3, tenant-prefixed keys)
	if s.objects != nil {
		v1.Handle("/objects", protect("read_object", s.handleObjectList)).Methods(http.MethodGet)
		v1.Handle("/objects/{key:.+}", protect("read_object", s.handleObjectGet)).Methods(http.MethodGet)
		v1.Handle("/objects/{key:.+}", protect("write_object", s.handleObjectPut)).Methods(http.MethodPut)
		v1.Handle("/objects/{key:.+}", protect("delete_object", s.handleObjectDelete)).Methods(http.MethodDelete)
	}

	// Administration
	v1.Handle("/tenants", protect("register_tenant", s.handleRegisterTenant)).Methods(http.MethodPost)
	v1.Handle("/tenants/{tenant}/members", protect("manage_members", s.handleAddMember)).Methods(http.MethodPost)
	v1.Handle("/tenants/{tenant}/members/{user}", protect("manage_members", s.handleRemoveMember)).Methods(http.MethodDelete)
	v1.Handle("/keys", protect("create_api_key", s.handleCreateKey)).Methods(http.MethodPost)
	v1.Handle("/keys", protect("list_api_keys", s.handleListKeys)).Methods(http.MethodGet)
	v1.Handle("/keys/{id}", protect("revoke_api_key", s.handleRevokeKey)).Methods(http.MethodDelete)
	v1.Handle("/audit", protect("query_audit", s.handleQueryAudit)).Methods(http.MethodGet)
	v1.Handle("/audit/stats", protect("query_audit", s.handleAuditStats)).Methods(http.MethodGet)

	chain := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.Recovery(s.logger),
		observability.HTTPMetricsMiddleware(s.metrics),
		httputil.RequireJSON("/v1/objects/"),
		httputil.MaxBytesMiddleware(maxBodyBytes),
	}
	if rateLimit {
		if distributed {
			chain = append(chain, middleware.NewDistributedRateLimitMiddleware(redisClient).Handler)
		} else {
			chain = append(chain, middleware.NewRateLimitMiddleware().Handler)
		}
	}

	return httputil.Chain(chain...)(r)
}

// writeStoreError maps adapter errors to responses. Isolation violations and
// other pipeline-class errors keep their generic bodies; everything else is
// a 500 with detail in the log only.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if auth.CodeOf(err) != auth.CodeInternal {
		httputil.WriteAuthError(w, err)
		return
	}
	s.logger.WithError(err).WithFields(map[string]interface{}{
		"path":       r.URL.Path,
		"request_id": contextkeys.GetRequestID(r.Context()),
	}).Error("request failed")
	httputil.WriteInternalError(w, err)
}

func (s *Server) requestScope(w http.ResponseWriter, r *http.Request) (scope.Scope, bool) {
	sc, err := scope.FromContext(r.Context())
	if err != nil {
		httputil.WriteAuthError(w, err)
		return scope.Scope{}, false
	}
	return sc, true
}

// adminRecord captures an administrative action in the audit trail.
func (s *Server) adminRecord(r *http.Request, eventType audit.EventType, targetTenant string, metadata map[string]interface{}) {
	identity, _ := contextkeys.GetIdentity(r.Context())
	rec := audit.NewRecord(eventType, audit.OutcomeSuccess, audit.ActorFromIdentity(identity))
	rec.TargetTenant = targetTenant
	rec.RequestID = contextkeys.GetRequestID(r.Context())
	rec.HTTPMethod = r.Method
	rec.Path = r.URL.Path
	rec.Metadata = metadata
	s.auditLog.Log(rec)
}

// Documents

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	docs, err := s.documents.List(r.Context(), sc)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if docs == nil {
		docs = []scope.Document{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	doc, err := s.documents.Get(r.Context(), sc, id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if doc == nil {
		httputil.WriteNotFound(w, "document not found")
		return
	}
	httputil.WriteSuccess(w, doc)
}

func (s *Server) handleUpsertDocument(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	var doc scope.Document
	if !httputil.ParseJSONOrError(w, r, &doc) {
		return
	}
	if err := s.documents.Upsert(r.Context(), sc, &doc); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, &doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := s.documents.Delete(r.Context(), sc, id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Vector search

type searchRequest struct {
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Vector) == 0 {
		httputil.WriteBadRequest(w, "vector is required")
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	matches, err := s.vectors.Search(r.Context(), sc, req.Vector, req.K)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if matches == nil {
		matches = []scope.Match{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"matches": matches})
}

func (s *Server) handleIndexEmbedding(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	var emb scope.Embedding
	if !httputil.ParseJSONOrError(w, r, &emb) {
		return
	}
	if len(emb.Vector) == 0 {
		httputil.WriteBadRequest(w, "vector is required")
		return
	}
	if err := s.vectors.Upsert(r.Context(), sc, emb); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteCreated(w, map[string]string{"id": emb.ID})
}

func (s *Server) handleDeleteEmbedding(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := s.vectors.Delete(r.Context(), sc, id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Cache

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	key, ok := httputil.PathStringOrError(w, r, "key")
	if !ok {
		return
	}
	value, err := s.cache.Get(r.Context(), sc, key)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if value == nil {
		httputil.WriteNotFound(w, "cache miss")
		return
	}
	httputil.WriteSuccess(w, map[string]string{
		"key":   key,
		"value": base64.StdEncoding.EncodeToString(value),
	})
}

type cacheSetRequest struct {
	Value      string `json:"value"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleCacheSet(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	key, ok := httputil.PathStringOrError(w, r, "key")
	if !ok {
		return
	}
	var req cacheSetRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	value, err := base64.StdEncoding.DecodeString(req.Value)
	if err != nil {
		httputil.WriteBadRequest(w, "value must be base64")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.cache.Set(r.Context(), sc, key, value, ttl); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	key, ok := httputil.PathStringOrError(w, r, "key")
	if !ok {
		return
	}
	if err := s.cache.Delete(r.Context(), sc, key); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	removed, err := s.cache.InvalidateTenant(r.Context(), sc)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int64{"removed": removed})
}

// Per-user memory

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	user, ok := httputil.PathStringOrError(w, r, "user")
	if !ok {
		return
	}
	keys, err := s.memory.ListKeys(r.Context(), sc, user)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"keys": keys})
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	value, err := s.memory.Get(r.Context(), sc, vars["user"], vars["key"])
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if value == nil {
		httputil.WriteNotFound(w, "memory entry not found")
		return
	}
	httputil.WriteSuccess(w, map[string]string{
		"key":   vars["key"],
		"value": base64.StdEncoding.EncodeToString(value),
	})
}

func (s *Server) handleMemorySet(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	var req cacheSetRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	value, err := base64.StdEncoding.DecodeString(req.Value)
	if err != nil {
		httputil.WriteBadRequest(w, "value must be base64")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.memory.Set(r.Context(), sc, vars["user"], vars["key"], value, ttl); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := s.memory.Delete(r.Context(), sc, vars["user"], vars["key"]); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Objects

func (s *Server) handleObjectList(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	prefix := httputil.QueryString(r, "prefix", "")
	keys, err := s.objects.List(r.Context(), sc, prefix)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"objects": keys})
}

func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	key, ok := httputil.PathStringOrError(w, r, "key")
	if !ok {
		return
	}
	exists, err := s.objects.Exists(r.Context(), sc, key)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !exists {
		httputil.WriteNotFound(w, "object not found")
		return
	}
	body, err := s.objects.Get(r.Context(), sc, key)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	key, ok := httputil.PathStringOrError(w, r, "key")
	if !ok {
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.objects.Put(r.Context(), sc, key, r.Body, contentType); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteCreated(w, map[string]string{"key": key})
}

func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	key, ok := httputil.PathStringOrError(w, r, "key")
	if !ok {
		return
	}
	if err := s.objects.Delete(r.Context(), sc, key); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Administration

type registerTenantRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleRegisterTenant(w http.ResponseWriter, r *http.Request) {
	var req registerTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ID == "" || req.Name == "" {
		httputil.WriteBadRequest(w, "id and name are required")
		return
	}
	existing, err := s.tenants.GetTenant(r.Context(), req.ID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if existing != nil {
		httputil.WriteErrorMessage(w, http.StatusConflict, "tenant already exists")
		return
	}
	tenant := &tenancy.Tenant{ID: req.ID, Name: req.Name}
	if err := s.tenants.CreateTenant(r.Context(), tenant); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.adminRecord(r, audit.EventTenantRegistered, tenant.ID, map[string]interface{}{"name": tenant.Name})
	httputil.WriteCreated(w, tenant)
}

type memberRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.PathStringOrError(w, r, "tenant")
	if !ok {
		return
	}
	var req memberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}
	if err := s.tenants.AddMember(r.Context(), tenantID, req.UserID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.tenants.RemoveMember(r.Context(), vars["tenant"], vars["user"]); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type createKeyRequest struct {
	Name   string `json:"name"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	// TenantScoped mints a key with no user of its own; at auth time it
	// acts as the tenant's system user.
	TenantScoped bool   `json:"tenant_scoped,omitempty"`
	ExpiresIn    string `json:"expires_in,omitempty"`
}

type createKeyResponse struct {
	apikey.Key
	// Key is the plaintext credential, returned exactly once.
	PlaintextKey string `json:"key"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	var req createKeyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	role := sc.Role
	if req.Role != "" {
		parsed, err := auth.ParseRole(req.Role)
		if err != nil {
			httputil.WriteBadRequest(w, "unknown role")
			return
		}
		role = parsed
	}
	// A key can never outrank its minter.
	if !sc.Role.AtLeast(role) {
		httputil.WriteAuthError(w, auth.ErrForbidden)
		return
	}
	userID := req.UserID
	if req.TenantScoped {
		if req.UserID != "" {
			httputil.WriteBadRequest(w, "tenant_scoped keys cannot name a user")
			return
		}
		userID = ""
	} else if userID == "" {
		userID = sc.UserID
	}

	plaintext, keyHash, keyPrefix, err := s.keygen.Generate()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	key := &apikey.Key{
		TenantID:  sc.TenantID,
		UserID:    userID,
		Name:      req.Name,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		Role:      role,
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			httputil.WriteBadRequest(w, "expires_in must be a positive duration")
			return
		}
		expiry := time.Now().UTC().Add(d)
		key.ExpiresAt = &expiry
	}
	if err := s.keys.Insert(r.Context(), key); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.adminRecord(r, audit.EventAPIKeyCreated, sc.TenantID, map[string]interface{}{
		"key_id":   key.ID,
		"key_name": key.Name,
		"role":     string(role),
	})
	httputil.WriteCreated(w, createKeyResponse{Key: *key, PlaintextKey: plaintext})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	keys, err := s.keys.ListByTenant(r.Context(), sc.TenantID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if keys == nil {
		keys = []apikey.Key{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"keys": keys})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.requestScope(w, r)
	if !ok {
		return
	}
	id, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	// Revocation stays inside the caller's tenant unless the pipeline
	// re-pointed the scope for a platform admin.
	keys, err := s.keys.ListByTenant(r.Context(), sc.TenantID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	found := false
	for i := range keys {
		if keys[i].ID == id {
			found = true
			break
		}
	}
	if !found {
		httputil.WriteNotFound(w, "key not found")
		return
	}
	if err := s.keys.Revoke(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.adminRecord(r, audit.EventAPIKeyRevoked, sc.TenantID, map[string]interface{}{"key_id": id})
	httputil.WriteNoContent(w)
}

// auditFilterFromRequest builds an audit filter from query parameters and
// the route's {tenant} variable. Writes the error response itself on bad
// input.
func auditFilterFromRequest(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	filter := audit.Filter{
		TenantID:  httputil.QueryString(r, "tenant", ""),
		UserID:    httputil.QueryString(r, "user", ""),
		Operation: httputil.QueryString(r, "operation", ""),
	}
	limit, err := httputil.QueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, "limit must be an integer")
		return filter, false
	}
	filter.Limit = limit
	offset, err := httputil.QueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, "offset must be an integer")
		return filter, false
	}
	filter.Offset = offset
	start, err := httputil.QueryTime(r, "start")
	if err != nil {
		httputil.WriteBadRequest(w, "start must be RFC3339")
		return filter, false
	}
	filter.StartTime = start
	end, err := httputil.QueryTime(r, "end")
	if err != nil {
		httputil.WriteBadRequest(w, "end must be RFC3339")
		return filter, false
	}
	filter.EndTime = end
	if types := httputil.QueryString(r, "event_type", ""); types != "" {
		filter.EventTypes = []audit.EventType{audit.EventType(types)}
	}
	if filter.TenantID == "" {
		if target := mux.Vars(r)["tenant"]; target != "" {
			filter.TenantID = target
		}
	}
	return filter, true
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	identity, ok := contextkeys.GetIdentity(r.Context())
	if !ok {
		httputil.WriteAuthError(w, auth.ErrIncompleteIdentity)
		return
	}
	filter, ok := auditFilterFromRequest(w, r)
	if !ok {
		return
	}

	records, err := s.audit.Query(r.Context(), identity, filter)
	if err != nil {
		if errors.Is(err, auth.ErrTenantIsolationViolation) || errors.Is(err, auth.ErrForbidden) {
			httputil.WriteAuthError(w, err)
			return
		}
		s.writeStoreError(w, r, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	s.adminRecord(r, audit.EventAuditQueried, filter.TenantID, map[string]interface{}{"count": len(records)})
	httputil.WriteSuccess(w, map[string]interface{}{"records": records})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	identity, ok := contextkeys.GetIdentity(r.Context())
	if !ok {
		httputil.WriteAuthError(w, auth.ErrIncompleteIdentity)
		return
	}
	filter, ok := auditFilterFromRequest(w, r)
	if !ok {
		return
	}

	buckets, err := s.audit.Stats(r.Context(), identity, filter)
	if err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			httputil.WriteAuthError(w, err)
			return
		}
		s.writeStoreError(w, r, err)
		return
	}
	if buckets == nil {
		buckets = []audit.StatsBucket{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"stats": buckets})
}
