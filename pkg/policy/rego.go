package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/model"
	"github.com/m-mizutani/realia/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// VerdictQuery is the rule evaluated by RegoClassifier
const VerdictQuery = "data.verdict"

type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

var _ Classifier = (*RegoClassifier)(nil)

// RegoClassifier delegates the verdict to Rego policies. The policy package
// "verdict" receives {"request_id", "hits": [{"asset_id", "score", "uri"}]}
// and sets "result" to VERIFIED, MODIFIED or NOT_VERIFIED and optionally
// "matched_asset_id". An undefined verdict means NOT_VERIFIED.
type RegoClassifier struct {
	query *rego.PreparedEvalQuery
}

// NewRegoClassifier loads every .rego file in policyDir
func NewRegoClassifier(ctx context.Context, policyDir string) (*RegoClassifier, error) {
	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", policyDir))
	}
	if len(files) == 0 {
		return nil, goerr.New("no policy file found", goerr.V("dir", policyDir))
	}

	options := make([]func(*rego.Rego), 0, len(files)+1)
	options = append(options, rego.Query(VerdictQuery))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare query", goerr.V("query", VerdictQuery))
	}

	return &RegoClassifier{query: &prepared}, nil
}

type regoHit struct {
	AssetID uint64  `json:"asset_id"`
	Score   float64 `json:"score"`
	URI     string  `json:"uri"`
}

func (x *RegoClassifier) Classify(ctx context.Context, requestID model.RequestID, hits []*model.Hit) (*model.Decision, error) {
	input := map[string]any{
		"request_id": uint64(requestID),
		"hits":       toRegoHits(hits),
	}

	rs, err := x.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&regoPrintHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate verdict policy", goerr.V("request_id", requestID))
	}

	decision := &model.Decision{
		RequestID: requestID,
		Result:    model.ResultNotVerified,
	}
	if top := topHit(hits); top != nil {
		decision.Score = top.Score
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return decision, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("invalid verdict: not an object", goerr.V("request_id", requestID))
	}

	if v, ok := data["result"]; ok {
		result, err := parseResult(v)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid verdict result", goerr.V("request_id", requestID))
		}
		decision.Result = result
	}

	if decision.Result != model.ResultNotVerified {
		id, err := getUint(data, "matched_asset_id")
		if err != nil {
			return nil, goerr.Wrap(err, "invalid matched_asset_id", goerr.V("request_id", requestID))
		}
		decision.MatchedAssetID = model.AssetID(id)
	}

	return decision, nil
}

func toRegoHits(hits []*model.Hit) []regoHit {
	out := make([]regoHit, 0, len(hits))
	for _, h := range hits {
		if h == nil {
			continue
		}
		out = append(out, regoHit{AssetID: uint64(h.AssetID), Score: h.Score, URI: h.URI})
	}
	return out
}

func parseResult(v any) (model.VerificationResult, error) {
	s, ok := v.(string)
	if !ok {
		return model.ResultNone, goerr.New("result is not a string", goerr.V("value", v))
	}
	for _, r := range []model.VerificationResult{model.ResultVerified, model.ResultModified, model.ResultNotVerified} {
		if r.String() == s {
			return r, nil
		}
	}
	return model.ResultNone, goerr.Wrap(model.ErrInvalidResult, "unknown result", goerr.V("value", s))
}

func getUint(m map[string]any, key string) (uint64, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, goerr.New("not a non-negative integer", goerr.V("key", key), goerr.V("value", n.String()))
		}
		return uint64(i), nil
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, goerr.New("not a non-negative integer", goerr.V("key", key), goerr.V("value", n))
		}
		return uint64(n), nil
	default:
		return 0, goerr.New("not a number", goerr.V("key", key), goerr.V("value", v))
	}
}
