package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatwarden/warden/automod/cachestore"
	"github.com/chatwarden/warden/automod/countstore"
	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/automod/helpers"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const classifyCacheName = "classify-text"

// External text classifier (LLM). Implementations return an *event.ExternalServiceError on failure.
type TextClassifier interface {
	ClassifyText(ctx context.Context, text string, links []string) (event.Classification, error)
}

// External image classifier (multimodal LLM, or an AI-generated image model).
type ImageClassifier interface {
	ClassifyImage(ctx context.Context, data []byte, mimeType string) (event.Classification, error)
}

func classifyCacheKey(text string, links []string) string {
	return helpers.HashOfString(text + "\n" + strings.Join(links, " "))
}

// Classifies message text, consulting the result cache first. Calls are bounded by Config.ClassifierTimeout. Only successful results are cached.
func (eng *Engine) ClassifyText(ctx context.Context, text string, links []string) (*event.Classification, error) {
	if eng.TextClassifier == nil {
		return nil, &event.ExternalServiceError{Service: "text-classifier", Err: fmt.Errorf("no text classifier configured")}
	}

	key := classifyCacheKey(text, links)
	if eng.Cache != nil {
		var cached event.Classification
		ok, err := cachestore.GetJSON(ctx, eng.Cache, classifyCacheName, key, &cached)
		if err != nil {
			eng.Logger.Warn("classifier cache read failed", "err", err)
		} else if ok {
			classifierCacheCount.WithLabelValues("hit").Inc()
			return &cached, nil
		}
		classifierCacheCount.WithLabelValues("miss").Inc()
	}

	cctx, cancel := context.WithTimeout(ctx, eng.Config.ClassifierTimeout)
	defer cancel()
	out, err := eng.TextClassifier.ClassifyText(cctx, text, links)
	if err != nil {
		return nil, asExternal("text-classifier", err)
	}

	if eng.Cache != nil {
		if err := cachestore.SetJSON(ctx, eng.Cache, classifyCacheName, key, out); err != nil {
			eng.Logger.Warn("classifier cache write failed", "err", err)
		}
	}
	return &out, nil
}

// Classifies a profile image, bounded by Config.ClassifierTimeout.
func (eng *Engine) ClassifyImage(ctx context.Context, data []byte, mimeType string) (*event.Classification, error) {
	if eng.ImageClassifier == nil {
		return nil, nil
	}
	cctx, cancel := context.WithTimeout(ctx, eng.Config.ClassifierTimeout)
	defer cancel()
	out, err := eng.ImageClassifier.ClassifyImage(cctx, data, mimeType)
	if err != nil {
		return nil, asExternal("image-classifier", err)
	}
	return &out, nil
}

func asExternal(service string, err error) error {
	if event.IsExternal(err) {
		return err
	}
	return &event.ExternalServiceError{Service: service, Err: err}
}

// Counts a swallowed classifier failure and queues an admin notice. Crossing the hourly threshold sends a separate, unthrottled alert.
func (eng *Engine) reportExternalFailure(ctx context.Context, service string, err error, chatID, userID string) {
	externalFailureCount.WithLabelValues(service).Inc()
	trace.SpanFromContext(ctx).RecordError(err, trace.WithAttributes(attribute.String("service", service)))

	eng.notify(ctx, Notice{
		Kind:   NoticeClassifierFailure,
		ChatID: chatID,
		UserID: userID,
		Text:   fmt.Sprintf("%s unavailable, message allowed without analysis: %v", service, err),
	})

	if eng.Counters == nil {
		return
	}
	if err := eng.Counters.Increment(ctx, "warden-external-errors", service); err != nil {
		eng.Logger.Error("counting external failure", "err", err)
		return
	}
	n, err := eng.Counters.GetCount(ctx, "warden-external-errors", service, countstore.PeriodHour)
	if err != nil {
		eng.Logger.Error("reading external failure count", "err", err)
		return
	}
	if eng.Config.ExternalErrorNotifyThreshold > 0 && n == eng.Config.ExternalErrorNotifyThreshold {
		eng.notify(ctx, Notice{
			Kind: NoticeExternalBurst,
			Text: fmt.Sprintf("%s failed %d times in the last hour", service, n),
		})
	}
}
