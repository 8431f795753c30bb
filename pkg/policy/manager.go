package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/expr"
)

// Manager instantiates policies for steps. Handlers are cached by policy id and
// configuration hash so identical steps share one instance across requests.
type Manager struct {
	registry  *Registry
	evaluator *expr.Evaluator
	logger    *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
}

// ManagerConfig holds the dependencies of a Manager.
type ManagerConfig struct {
	Registry  *Registry
	Evaluator *expr.Evaluator
	Logger    *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = expr.NewEvaluator()
	}
	return &Manager{
		registry:  registry,
		evaluator: evaluator,
		logger:    logger,
		handlers:  make(map[string]Handler),
	}
}

// Evaluator returns the condition evaluator shared by the manager's policies.
func (m *Manager) Evaluator() *expr.Evaluator {
	return m.evaluator
}

// Create resolves a step into a policy for the given phase.
func (m *Manager) Create(step domain.Step, phase domain.Phase) (Policy, error) {
	handler, canonical, err := m.handler(step)
	if err != nil {
		return nil, err
	}

	id := step.Name
	if id == "" {
		id = canonical
	}
	resolved := Bind(id, phase, handler)
	if step.Condition != "" {
		resolved = NewConditionalPolicy(resolved, step.Condition, m.evaluator)
	}
	return resolved, nil
}

// Invalidate drops every cached handler. Called on redeploy.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[string]Handler)
}

func (m *Manager) handler(step domain.Step) (Handler, string, error) {
	factory, canonical, ok := m.registry.Lookup(step.Policy)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", domain.ErrUnknownPolicy, step.Policy)
	}

	key, err := cacheKey(canonical, step.Configuration)
	if err != nil {
		return nil, "", fmt.Errorf("policy %q: %w", canonical, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if handler, ok := m.handlers[key]; ok {
		return handler, canonical, nil
	}

	handler, err := build(factory, step.Configuration)
	if err != nil {
		return nil, "", fmt.Errorf("create policy %q: %w", canonical, err)
	}
	m.handlers[key] = handler
	m.logger.Debug("policy instantiated", "policy_id", canonical, "cache_key", key)
	return handler, canonical, nil
}

func build(factory Factory, config map[string]any) (handler Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			handler = nil
			err = fmt.Errorf("%w: %v", ErrPolicyPanic, r)
		}
	}()
	handler, err = factory(config)
	if err == nil && handler == nil {
		err = fmt.Errorf("factory returned nil handler")
	}
	return handler, err
}

// cacheKey hashes the configuration. encoding/json sorts map keys, which keeps
// the hash stable for equal configurations.
func cacheKey(id string, config map[string]any) (string, error) {
	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte{0})
	if len(config) > 0 {
		raw, err := json.Marshal(config)
		if err != nil {
			return "", fmt.Errorf("hash configuration: %w", err)
		}
		h.Write(raw)
	}
	return id + "@" + hex.EncodeToString(h.Sum(nil))[:16], nil
}
