package policy_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/realia/pkg/model"
	"github.com/m-mizutani/realia/pkg/policy"
)

func hit(id model.AssetID, score float64) *model.Hit {
	return &model.Hit{AssetID: id, Score: score, URI: "ipfs://" + id.String()}
}

func TestThresholdClassifierBoundaries(t *testing.T) {
	testCases := []struct {
		name    string
		score   float64
		result  model.VerificationResult
		matched model.AssetID
	}{
		{"exactly verified", 0.95, model.ResultVerified, 7},
		{"just below verified", 0.9499999, model.ResultModified, 7},
		{"exactly modified", 0.75, model.ResultModified, 7},
		{"just below modified", 0.74999, model.ResultNotVerified, 0},
		{"perfect match", 1.0, model.ResultVerified, 7},
		{"negative similarity", -0.3, model.ResultNotVerified, 0},
	}

	classifier := policy.NewThresholdClassifier(policy.DefaultThresholds())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := classifier.Classify(context.Background(), 1, []*model.Hit{hit(7, tc.score)})
			gt.NoError(t, err)
			gt.Equal(t, decision.RequestID, model.RequestID(1))
			gt.Equal(t, decision.Result, tc.result)
			gt.Equal(t, decision.MatchedAssetID, tc.matched)
			gt.Equal(t, decision.Score, tc.score)
		})
	}
}

func TestThresholdClassifierEmpty(t *testing.T) {
	classifier := policy.NewThresholdClassifier(policy.DefaultThresholds())

	decision, err := classifier.Classify(context.Background(), 3, nil)
	gt.NoError(t, err)
	gt.Equal(t, decision.Result, model.ResultNotVerified)
	gt.Equal(t, decision.MatchedAssetID, model.AssetID(0))
	gt.Equal(t, decision.Score, 0.0)
}

func TestThresholdClassifierUsesBestHit(t *testing.T) {
	classifier := policy.NewThresholdClassifier(policy.DefaultThresholds())

	decision, err := classifier.Classify(context.Background(), 3, []*model.Hit{
		hit(1, 0.80),
		hit(2, 0.97),
		hit(3, 0.10),
	})
	gt.NoError(t, err)
	gt.Equal(t, decision.Result, model.ResultVerified)
	gt.Equal(t, decision.MatchedAssetID, model.AssetID(2))
}

func TestLoadThresholds(t *testing.T) {
	dir := t.TempDir()

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		gt.NoError(t, os.WriteFile(path, []byte("verified: 0.9\n"), 0644))

		th, err := policy.LoadThresholds(path)
		gt.NoError(t, err)
		gt.Equal(t, th.Verified, 0.9)
		gt.Equal(t, th.Modified, policy.DefaultModifiedThreshold)
		gt.Equal(t, th.TopK, policy.DefaultTopK)
	})

	t.Run("full file", func(t *testing.T) {
		path := filepath.Join(dir, "full.yaml")
		gt.NoError(t, os.WriteFile(path, []byte("verified: 0.99\nmodified: 0.5\ntop_k: 10\n"), 0644))

		th, err := policy.LoadThresholds(path)
		gt.NoError(t, err)
		gt.Equal(t, th, policy.Thresholds{Verified: 0.99, Modified: 0.5, TopK: 10})
	})

	t.Run("inverted thresholds", func(t *testing.T) {
		path := filepath.Join(dir, "inverted.yaml")
		gt.NoError(t, os.WriteFile(path, []byte("verified: 0.5\nmodified: 0.8\n"), 0644))

		_, err := policy.LoadThresholds(path)
		gt.Error(t, err)
		gt.True(t, errors.Is(err, policy.ErrInvalidThresholds))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := policy.LoadThresholds(filepath.Join(dir, "nothing.yaml"))
		gt.Error(t, err)
	})
}

const verdictPolicy = `package verdict

scores := [h.score | some h in input.hits]

best := max(scores)

top := [h | some h in input.hits; h.score == best][0]

result := "VERIFIED" if best >= 0.9

result := "MODIFIED" if {
	best >= 0.6
	best < 0.9
}

matched_asset_id := top.asset_id if result != "NOT_VERIFIED"
`

func setupRego(t *testing.T, src string) *policy.RegoClassifier {
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "verdict.rego"), []byte(src), 0644))

	classifier, err := policy.NewRegoClassifier(context.Background(), dir)
	gt.NoError(t, err)
	return classifier
}

func TestRegoClassifier(t *testing.T) {
	classifier := setupRego(t, verdictPolicy)
	ctx := context.Background()

	t.Run("verified", func(t *testing.T) {
		decision, err := classifier.Classify(ctx, 5, []*model.Hit{hit(4, 0.91), hit(8, 0.2)})
		gt.NoError(t, err)
		gt.Equal(t, decision.Result, model.ResultVerified)
		gt.Equal(t, decision.MatchedAssetID, model.AssetID(4))
		gt.Equal(t, decision.Score, 0.91)
	})

	t.Run("modified", func(t *testing.T) {
		decision, err := classifier.Classify(ctx, 5, []*model.Hit{hit(6, 0.6)})
		gt.NoError(t, err)
		gt.Equal(t, decision.Result, model.ResultModified)
		gt.Equal(t, decision.MatchedAssetID, model.AssetID(6))
	})

	t.Run("below thresholds", func(t *testing.T) {
		decision, err := classifier.Classify(ctx, 5, []*model.Hit{hit(6, 0.59)})
		gt.NoError(t, err)
		gt.Equal(t, decision.Result, model.ResultNotVerified)
		gt.Equal(t, decision.MatchedAssetID, model.AssetID(0))
	})

	t.Run("no hits", func(t *testing.T) {
		decision, err := classifier.Classify(ctx, 5, nil)
		gt.NoError(t, err)
		gt.Equal(t, decision.Result, model.ResultNotVerified)
		gt.Equal(t, decision.MatchedAssetID, model.AssetID(0))
	})
}

func TestRegoClassifierInvalidResult(t *testing.T) {
	classifier := setupRego(t, `package verdict

result := "MAYBE"
`)
	_, err := classifier.Classify(context.Background(), 1, []*model.Hit{hit(1, 0.5)})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrInvalidResult))
}

func TestRegoClassifierNoPolicy(t *testing.T) {
	_, err := policy.NewRegoClassifier(context.Background(), t.TempDir())
	gt.Error(t, err)
}
