package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cropmind/internal/config"
)

const (
	maxAttempts   = 3
	defaultQuery  = "General daily advice requested."
	englishLocale = "english"
)

// ErrUpstream wraps model failures that survived every retry.
var ErrUpstream = errors.New("advice provider unavailable")

// PlanInput is the context handed to the action planner.
type PlanInput struct {
	Crop      string
	Stage     string
	Weather   string
	Knowledge string
	Query     string
}

// Advisor plans the farmer's next action and translates it. With a nil
// Completer it answers from a fixed template and never translates.
type Advisor struct {
	Completer Completer
	Config    config.LLMConfig
	AppName   string
	Logger    *zap.Logger
	// Failures counts failed model calls by class. Optional.
	Failures *prometheus.CounterVec
	Sleep    func(time.Duration)
}

func (a Advisor) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}

// Enabled reports whether a model backs the advisor.
func (a Advisor) Enabled() bool {
	return a.Completer != nil
}

func (a Advisor) PlanAction(ctx context.Context, in PlanInput) (string, error) {
	if strings.TrimSpace(in.Query) == "" {
		in.Query = defaultQuery
	}
	if a.Completer == nil {
		return TemplateAdvice(in), nil
	}
	prompt := strings.NewReplacer(
		"{app_name}", a.AppName,
		"{stage}", in.Stage,
		"{weather}", in.Weather,
		"{knowledge}", in.Knowledge,
		"{query}", in.Query,
	).Replace(a.plannerPrompt())
	return a.complete(ctx, "planner", prompt, a.Config.PlannerTemperature)
}

// Translate returns content in language. English is returned unchanged.
func (a Advisor) Translate(ctx context.Context, content, language string) (string, error) {
	lang := strings.TrimSpace(language)
	if lang == "" || strings.EqualFold(lang, englishLocale) || a.Completer == nil {
		return content, nil
	}
	prompt := strings.NewReplacer("{language}", lang, "{content}", content).Replace(a.translationPrompt())
	return a.complete(ctx, "translation", prompt, a.Config.TranslationTemperature)
}

func (a Advisor) plannerPrompt() string {
	if strings.TrimSpace(a.Config.PlannerPrompt) != "" {
		return a.Config.PlannerPrompt
	}
	return config.DefaultPlannerPrompt
}

func (a Advisor) translationPrompt() string {
	if strings.TrimSpace(a.Config.TranslationPrompt) != "" {
		return a.Config.TranslationPrompt
	}
	return config.DefaultTranslationPrompt
}

func (a Advisor) complete(ctx context.Context, task, prompt string, temperature float64) (string, error) {
	sleep := a.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := a.Completer.Complete(ctx, prompt, temperature)
		if err == nil {
			if out = strings.TrimSpace(out); out != "" {
				return out, nil
			}
			err = errors.New("empty response")
		}
		lastErr = err
		class := classifyError(err)
		if a.Failures != nil {
			a.Failures.WithLabelValues(task, class.String()).Inc()
		}
		a.logger().Warn("llm call failed",
			zap.String("task", task), zap.Int("attempt", attempt), zap.Stringer("class", class), zap.Error(err))
		if !class.retryable() || attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		sleep(backoffDelay(attempt))
	}
	return "", fmt.Errorf("%w: %s: %v", ErrUpstream, task, lastErr)
}

// TemplateAdvice is the deterministic answer used when no model is configured.
func TemplateAdvice(in PlanInput) string {
	stage := in.Stage
	if stage == "" {
		stage = "current"
	}
	action := fmt.Sprintf("Walk your field and carry out the %s stage checklist", strings.ToLower(stage))
	if in.Crop != "" {
		action = fmt.Sprintf("Walk your %s field and carry out the %s stage checklist", in.Crop, strings.ToLower(stage))
	}
	reason := strings.TrimSpace(in.Knowledge)
	if reason == "" {
		reason = "Regular field checks catch problems early."
	}
	if w := strings.TrimSpace(in.Weather); w != "" {
		reason += " Weather: " + w + "."
	}
	return "ACTION: " + action + ".\nREASON: " + reason
}

// ParseActions collects the text of every "ACTION:" line.
func ParseActions(answer string) []string {
	steps := []string{}
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*"))
		if len(line) < len("ACTION:") || !strings.EqualFold(line[:len("ACTION:")], "ACTION:") {
			continue
		}
		step := strings.TrimSpace(line[len("ACTION:"):])
		step = strings.TrimSpace(strings.Trim(step, "[]"))
		if step != "" {
			steps = append(steps, step)
		}
	}
	return steps
}
