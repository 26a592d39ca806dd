package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
)

// ConfigAPI exposes a secret-masked view of the running configuration and a
// validator for candidate configurations.
type ConfigAPI struct {
	cfg    *Config
	mu     sync.RWMutex
	router *mux.Router
}

func NewConfigAPI(cfg *Config) *ConfigAPI {
	api := &ConfigAPI{
		cfg:    cfg,
		router: mux.NewRouter(),
	}
	api.routes()
	return api
}

func (api *ConfigAPI) Router() *mux.Router {
	return api.router
}

func (api *ConfigAPI) routes() {
	api.router.HandleFunc("/configure", api.getConfig).Methods("GET")
	api.router.HandleFunc("/configure/", api.getConfig).Methods("GET")
	api.router.HandleFunc("/configure/validate", api.validateConfig).Methods("POST")
	api.router.HandleFunc("/configure/{section}", api.getSection).Methods("GET")
}

func (api *ConfigAPI) getConfig(w http.ResponseWriter, r *http.Request) {
	api.mu.RLock()
	defer api.mu.RUnlock()
	writeJSON(w, http.StatusOK, api.cfg.Masked())
}

func (api *ConfigAPI) validateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := *Default()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("invalid configuration: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "message": "configuration is valid"})
}

func (api *ConfigAPI) getSection(w http.ResponseWriter, r *http.Request) {
	api.mu.RLock()
	defer api.mu.RUnlock()

	safe := api.cfg.Masked()
	var section interface{}
	switch name := mux.Vars(r)["section"]; name {
	case "server":
		section = safe.Server
	case "database":
		section = safe.Database
	case "blob":
		section = safe.Blob
	case "llm":
		section = safe.LLM
	case "analysis":
		section = safe.Analysis
	case "chat":
		section = safe.Chat
	case "retrieval":
		section = safe.Retrieval
	default:
		http.Error(w, fmt.Sprintf("unknown section: %s", name), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

// Masked returns a deep copy with every credential replaced by "***".
func (c *Config) Masked() *Config {
	bytes, _ := json.Marshal(c)
	var copyCfg Config
	json.Unmarshal(bytes, &copyCfg)
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&copyCfg.Auth.JWTSecret)
	mask(&copyCfg.LLM.APIKey)
	mask(&copyCfg.Blob.MinIO.AccessKey)
	mask(&copyCfg.Blob.MinIO.SecretKey)
	mask(&copyCfg.Database.DSN)
	return &copyCfg
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
