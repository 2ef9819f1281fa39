// Profile image analysis using the Hive AI-generated media detection model.
package visual

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/util"

	"github.com/carlmjohnson/versioninfo"
)

const DefaultHiveHost = "https://api.thehive.ai"

type HiveAIClient struct {
	Client   *http.Client
	ApiToken string
	Host     string
	Logger   *slog.Logger
}

// schema: https://docs.thehive.ai/reference/classification
type HiveAIResp struct {
	Status []HiveAIResp_Status `json:"status"`
}

type HiveAIResp_Status struct {
	Response HiveAIResp_Response `json:"response"`
}

type HiveAIResp_Response struct {
	Output []HiveAIResp_Out `json:"output"`
}

type HiveAIResp_Out struct {
	Time    float64            `json:"time"`
	Classes []HiveAIResp_Class `json:"classes"`
}

type HiveAIResp_Class struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

func NewHiveAIClient(token string, logger *slog.Logger) *HiveAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HiveAIClient{
		Client:   util.RobustHTTPClient(logger),
		ApiToken: token,
		Host:     DefaultHiveHost,
		Logger:   logger.With("component", "hive"),
	}
}

// Highest "ai_generated" class score across all outputs (video frames, or a single image).
func (resp *HiveAIResp) AIGeneratedScore() float64 {
	best := 0.0
	for _, status := range resp.Status {
		for _, out := range status.Response.Output {
			for _, cls := range out.Classes {
				if cls.Class == "ai_generated" && cls.Score > best {
					best = cls.Score
				}
			}
		}
	}
	return best
}

// Names of the generator-specific classes (eg "midjourney") scoring at least min.
func (resp *HiveAIResp) GeneratorClasses(min float64) []string {
	var names []string
	seen := map[string]bool{}
	for _, status := range resp.Status {
		for _, out := range status.Response.Output {
			for _, cls := range out.Classes {
				switch cls.Class {
				case "ai_generated", "not_ai_generated", "none", "inconclusive":
					continue
				}
				if cls.Score >= min && !seen[cls.Class] {
					seen[cls.Class] = true
					names = append(names, cls.Class)
				}
			}
		}
	}
	return names
}

// Submits an avatar image and reports how likely it is to be AI-generated.
//
// All errors are *event.ExternalServiceError.
func (hal *HiveAIClient) ClassifyImage(ctx context.Context, data []byte, mimeType string) (event.Classification, error) {
	cl, err := hal.classify(ctx, data, mimeType)
	if err != nil {
		return event.Classification{}, &event.ExternalServiceError{Service: "hive", Err: err}
	}
	return cl, nil
}

func (hal *HiveAIClient) classify(ctx context.Context, data []byte, mimeType string) (event.Classification, error) {
	if len(data) == 0 {
		return event.Classification{}, fmt.Errorf("empty image")
	}

	hal.Logger.Debug("sending image to Hive AI", "mimetype", mimeType, "size", len(data))

	// generic HTTP form file upload, then parse the response JSON
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("media", "avatar"+extensionFor(mimeType))
	if err != nil {
		return event.Classification{}, err
	}
	_, err = part.Write(data)
	if err != nil {
		return event.Classification{}, err
	}
	err = writer.Close()
	if err != nil {
		return event.Classification{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimSuffix(hal.Host, "/")+"/api/v2/task/sync", body)
	if err != nil {
		return event.Classification{}, err
	}

	start := time.Now()
	defer func() {
		duration := time.Since(start)
		hiveAPIDuration.Observe(duration.Seconds())
	}()

	req.Header.Set("Authorization", fmt.Sprintf("Token %s", hal.ApiToken))
	req.Header.Add("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "warden/"+versioninfo.Short())

	res, err := hal.Client.Do(req)
	if err != nil {
		return event.Classification{}, fmt.Errorf("HiveAI request failed: %w", err)
	}
	defer res.Body.Close()

	hiveAPICount.WithLabelValues(fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != 200 {
		return event.Classification{}, fmt.Errorf("HiveAI request failed  statusCode=%d", res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return event.Classification{}, fmt.Errorf("failed to read HiveAI resp body: %w", err)
	}

	var respObj HiveAIResp
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return event.Classification{}, fmt.Errorf("failed to parse HiveAI resp JSON: %w", err)
	}
	if len(respObj.Status) == 0 {
		return event.Classification{}, fmt.Errorf("HiveAI response had no status entries")
	}

	score := respObj.AIGeneratedScore()
	gens := respObj.GeneratorClasses(0.5)
	hal.Logger.Info("hive-ai-response", "ai_generated", score, "generators", gens)

	cl := event.Classification{
		Flagged:    score >= 0.5,
		Confidence: score,
		Categories: gens,
	}
	if cl.Flagged {
		cl.Reason = fmt.Sprintf("AI-generated image score %.2f", score)
		if len(gens) > 0 {
			cl.Reason += " (" + strings.Join(gens, ", ") + ")"
		}
	}
	return cl, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ""
	}
}
