package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cropmind/internal/config"
	"cropmind/internal/domain"
	"cropmind/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type alertDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]repo.AlertCursor
}

// StartAlertDispatcher pushes newly recorded alerts to the configured
// webhooks until ctx is cancelled. Alerts that exist at startup are not
// delivered.
func StartAlertDispatcher(ctx context.Context, r repo.Repo, hooks []config.WebhookConfig, log *zap.Logger) {
	if len(hooks) == 0 {
		return
	}
	d := newAlertDispatcher(r, hooks, log)
	go d.run(ctx)
}

func newAlertDispatcher(r repo.Repo, hooks []config.WebhookConfig, log *zap.Logger) *alertDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &alertDispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log.Named("webhooks"),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]repo.AlertCursor),
	}
}

func (d *alertDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *alertDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *alertDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	items, err := d.repo.AlertsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Warn("fetch alerts failed", zap.Error(err))
		return
	}
	filter := newAlertFilter(hook.Types)
	for _, a := range items {
		next := repo.AlertCursor{CreatedAt: a.CreatedAt, ID: a.ID}
		if !filter.match(a.Type) {
			d.setCursor(idx, next)
			continue
		}
		if err := d.postAlert(ctx, hook, a); err != nil {
			d.log.Warn("deliver alert failed", zap.String("url", hook.URL), zap.String("alert_id", a.ID), zap.Error(err))
			return
		}
		d.setCursor(idx, next)
	}
}

func (d *alertDispatcher) cursorFor(ctx context.Context, idx int) repo.AlertCursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestAlertCursor(ctx)
	if err != nil {
		d.log.Warn("init cursor failed", zap.Error(err))
		cur = repo.AlertCursor{}
	}
	d.cursors[idx] = cur
	return cur
}

func (d *alertDispatcher) setCursor(idx int, value repo.AlertCursor) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *alertDispatcher) postAlert(ctx context.Context, hook config.WebhookConfig, a domain.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	client := d.client
	if hook.Timeout > 0 && hook.Timeout != d.client.Timeout {
		client = &http.Client{Timeout: hook.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CropMind-Alert", a.Type)
	req.Header.Set("X-CropMind-Delivery", a.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-CropMind-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type alertFilter struct {
	all bool
	set map[string]struct{}
}

// newAlertFilter matches alert types case-insensitively. No types means all.
func newAlertFilter(types []string) alertFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return alertFilter{all: true}
	}
	return alertFilter{set: set}
}

func (f alertFilter) match(alertType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[strings.ToLower(alertType)]
	return ok
}
