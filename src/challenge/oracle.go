package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReviewRequest carries everything the moderation oracle sees.
type ReviewRequest struct {
	ChallengeID uint64
	Reason      string
	Detail      string
	ContentKind string
	ContentBody string
}

// Verdict is the oracle's ruling on one challenge.
type Verdict struct {
	Guilty     bool
	Confidence float64
	Reason     string
}

// Oracle rules on reported content. Implementations must tolerate being
// asked about the same challenge more than once.
type Oracle interface {
	Review(ctx context.Context, req ReviewRequest) (Verdict, error)
}

const moderationPrompt = `You are a content moderation reviewer for a public posting platform.
You receive a piece of content, the reason class it was reported under, and the reporter's note.
Decide whether the content violates the reported class. Judge only the reported class.
Reply with exactly three lines:
VERDICT: guilty or not_guilty
CONFIDENCE: a number between 0.00 and 1.00
REASON: one short sentence`

// HTTPOracle calls an Anthropic-style messages endpoint and parses the
// three-line ruling.
type HTTPOracle struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewHTTPOracle(url, apiKey, model string) *HTTPOracle {
	return &HTTPOracle{
		url:    url,
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (o *HTTPOracle) Review(ctx context.Context, req ReviewRequest) (Verdict, error) {
	reqBody := map[string]interface{}{
		"model": o.model,
		"messages": []map[string]string{
			{
				"role": "user",
				"content": fmt.Sprintf("Reported class: %s\nReporter note: %s\nContent kind: %s\nContent:\n%s",
					req.Reason, req.Detail, req.ContentKind, req.ContentBody),
			},
		},
		"system":     moderationPrompt,
		"max_tokens": 300,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return Verdict{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return Verdict{}, err
	}
	reqID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", o.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("x-request-id", reqID)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("oracle API error (req %s): %s", reqID, string(body))
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return Verdict{}, err
	}
	if len(result.Content) == 0 {
		return Verdict{}, fmt.Errorf("empty oracle response")
	}
	return parseVerdict(result.Content[0].Text)
}

func parseVerdict(text string) (Verdict, error) {
	var v Verdict
	sawVerdict := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(strings.ToUpper(line), "VERDICT:"):
			val := strings.ToLower(strings.TrimSpace(line[len("VERDICT:"):]))
			switch val {
			case "guilty":
				v.Guilty = true
			case "not_guilty", "not guilty":
				v.Guilty = false
			default:
				return Verdict{}, fmt.Errorf("oracle verdict %q not recognized", val)
			}
			sawVerdict = true
		case strings.HasPrefix(strings.ToUpper(line), "CONFIDENCE:"):
			val := strings.TrimSpace(line[len("CONFIDENCE:"):])
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return Verdict{}, fmt.Errorf("oracle confidence %q not a number", val)
			}
			if f < 0 {
				f = 0
			} else if f > 1 {
				f = 1
			}
			v.Confidence = f
		case strings.HasPrefix(strings.ToUpper(line), "REASON:"):
			v.Reason = strings.TrimSpace(line[len("REASON:"):])
		}
	}
	if !sawVerdict {
		return Verdict{}, fmt.Errorf("oracle response missing verdict line")
	}
	return v, nil
}

// RuleOracle is the offline fallback used when no oracle API key is
// configured. It looks for obvious markers of the reported class and
// otherwise rules not guilty with moderate confidence.
type RuleOracle struct{}

var ruleMarkers = map[string][]string{
	"spam_ad":       {"buy now", "limited offer", "promo code", "subscribe", "discount"},
	"scam_phishing": {"seed phrase", "private key", "airdrop", "double your", "guaranteed return", "click here to claim"},
	"plagiarism_ai": {"as a large language model", "as an ai"},
}

func (RuleOracle) Review(ctx context.Context, req ReviewRequest) (Verdict, error) {
	body := strings.ToLower(req.ContentBody)
	for _, marker := range ruleMarkers[req.Reason] {
		if strings.Contains(body, marker) {
			return Verdict{
				Guilty:     true,
				Confidence: 0.85,
				Reason:     fmt.Sprintf("content matches %s marker %q", req.Reason, marker),
			}, nil
		}
	}
	return Verdict{
		Guilty:     false,
		Confidence: 0.6,
		Reason:     "no violation markers found",
	}, nil
}
