package policy

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/model"
	"gopkg.in/yaml.v3"
)

const (
	DefaultVerifiedThreshold = 0.95
	DefaultModifiedThreshold = 0.75
	DefaultTopK              = 5
)

var ErrInvalidThresholds = goerr.New("invalid thresholds")

// Classifier turns similarity search hits into a verdict
type Classifier interface {
	Classify(ctx context.Context, requestID model.RequestID, hits []*model.Hit) (*model.Decision, error)
}

// Thresholds are closed lower bounds on the top-1 cosine similarity
type Thresholds struct {
	Verified float64 `yaml:"verified"`
	Modified float64 `yaml:"modified"`
	TopK     int     `yaml:"top_k"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Verified: DefaultVerifiedThreshold,
		Modified: DefaultModifiedThreshold,
		TopK:     DefaultTopK,
	}
}

func (x Thresholds) Validate() error {
	if x.Modified <= 0 || x.Verified > 1 || x.Modified > x.Verified {
		return goerr.Wrap(ErrInvalidThresholds, "thresholds must satisfy 0 < modified <= verified <= 1",
			goerr.V("verified", x.Verified),
			goerr.V("modified", x.Modified))
	}
	if x.TopK <= 0 {
		return goerr.Wrap(ErrInvalidThresholds, "top_k must be positive", goerr.V("top_k", x.TopK))
	}
	return nil
}

// LoadThresholds reads a YAML policy file. Missing keys keep their defaults.
//
//	verified: 0.95
//	modified: 0.75
//	top_k: 5
func LoadThresholds(path string) (Thresholds, error) {
	th := DefaultThresholds()

	raw, err := os.ReadFile(path)
	if err != nil {
		return th, goerr.Wrap(err, "failed to read threshold file", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(raw, &th); err != nil {
		return th, goerr.Wrap(err, "failed to parse threshold file", goerr.V("path", path))
	}
	if err := th.Validate(); err != nil {
		return th, goerr.Wrap(err, "invalid threshold file", goerr.V("path", path))
	}
	return th, nil
}

var _ Classifier = (*ThresholdClassifier)(nil)

// ThresholdClassifier classifies by the best hit score:
// score >= Verified is VERIFIED, score >= Modified is MODIFIED, anything else
// (including no hits) is NOT_VERIFIED with no matched asset.
type ThresholdClassifier struct {
	th Thresholds
}

func NewThresholdClassifier(th Thresholds) *ThresholdClassifier {
	return &ThresholdClassifier{th: th}
}

func (x *ThresholdClassifier) Classify(ctx context.Context, requestID model.RequestID, hits []*model.Hit) (*model.Decision, error) {
	decision := &model.Decision{
		RequestID: requestID,
		Result:    model.ResultNotVerified,
	}

	top := topHit(hits)
	if top == nil {
		return decision, nil
	}

	decision.Score = top.Score
	switch {
	case top.Score >= x.th.Verified:
		decision.Result = model.ResultVerified
		decision.MatchedAssetID = top.AssetID
	case top.Score >= x.th.Modified:
		decision.Result = model.ResultModified
		decision.MatchedAssetID = top.AssetID
	}
	return decision, nil
}

func topHit(hits []*model.Hit) *model.Hit {
	var top *model.Hit
	for _, h := range hits {
		if h == nil {
			continue
		}
		if top == nil || h.Score > top.Score {
			top = h
		}
	}
	return top
}
