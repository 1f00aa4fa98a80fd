package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jacksonlee411/Blossom-Console/internal/kernel"
	"github.com/jacksonlee411/Blossom-Console/internal/routing"
	"github.com/jacksonlee411/Blossom-Console/pkg/authz"
)

type HandlerOptions struct {
	Tenants      map[string]Tenant
	Kernel       KernelGateway
	ExtRules     ExtRuleSource
	ReleaseAudit ReleaseAuditStore
	Authorizer   *authz.Authorizer
}

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultConfigPath("allowlist.yaml")
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(a, "console")
	if err != nil {
		return nil, err
	}

	tenants := opts.Tenants
	if tenants == nil {
		tenants, err = loadTenants()
		if err != nil {
			return nil, err
		}
	}

	gateway := opts.Kernel
	if gateway == nil {
		baseURL := getenvDefault("KERNEL_BASE_URL", "http://127.0.0.1:8080")
		client, err := kernel.New(baseURL)
		if err != nil {
			return nil, err
		}
		gateway = client
	}

	extRules := opts.ExtRules
	if extRules == nil {
		path := os.Getenv("EXT_RULES_PATH")
		if path == "" {
			if p, err := defaultConfigPath("ext_rules.yaml"); err == nil {
				path = p
			}
		}
		if path != "" {
			src, err := loadExtRuleConfig(path)
			if err != nil {
				return nil, err
			}
			extRules = src
		}
	}

	audit := opts.ReleaseAudit
	if audit == nil {
		if os.Getenv("DATABASE_URL") != "" {
			pool, err := pgxpool.New(context.Background(), dbDSNFromEnv())
			if err != nil {
				return nil, err
			}
			audit = newReleaseAuditPGStore(pool)
		} else {
			audit = newReleaseAuditMemoryStore()
		}
	}

	authorizer := opts.Authorizer
	if authorizer == nil {
		mode, err := authz.ModeFromEnv()
		if err != nil {
			return nil, err
		}
		modelPath := os.Getenv("AUTHZ_MODEL_PATH")
		if modelPath == "" {
			if modelPath, err = defaultConfigPath(filepath.Join("authz", "model.conf")); err != nil {
				return nil, err
			}
		}
		policyPath := os.Getenv("AUTHZ_POLICY_PATH")
		if policyPath == "" {
			if policyPath, err = defaultConfigPath(filepath.Join("authz", "policy.csv")); err != nil {
				return nil, err
			}
		}
		authorizer, err = authz.NewAuthorizer(modelPath, policyPath, mode)
		if err != nil {
			return nil, err
		}
	}

	registry := newReleaseWorkflowRegistry()
	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/orgunit/api/version-plans",
		requireAdmin(authorizer, authz.ObjectOrgUnitVersionPlans, routing.RouteClassInternalAPI,
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handleVersionPlanAPI(w, r, gateway)
			})))

	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/orgunit/api/org-units:write",
		requireAdmin(authorizer, authz.ObjectOrgUnitWrites, routing.RouteClassInternalAPI,
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handleOrgUnitWriteAPI(w, r, gateway, extRules)
			})))

	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/dicts/api/release:preview",
		requireAdmin(authorizer, authz.ObjectDictReleases, routing.RouteClassInternalAPI,
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handleDictReleasePreviewAPI(w, r, gateway, registry, audit)
			})))

	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/dicts/api/release:commit",
		requireAdmin(authorizer, authz.ObjectDictReleases, routing.RouteClassInternalAPI,
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handleDictReleaseCommitAPI(w, r, gateway, registry, audit)
			})))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/dicts/api/release/status",
		requireAdmin(authorizer, authz.ObjectDictReleases, routing.RouteClassInternalAPI,
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handleDictReleaseStatusAPI(w, r, registry)
			})))

	return tenantContextMiddleware(tenants, router), nil
}

// defaultConfigPath walks from the working directory up to the module root
// looking for config/<rel>.
func defaultConfigPath(rel string) (string, error) {
	candidate := filepath.Join("config", rel)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for dir := wd; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, "config", rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		if filepath.Dir(dir) == dir {
			break
		}
	}
	return "", errors.New("config: " + rel + " not found")
}
