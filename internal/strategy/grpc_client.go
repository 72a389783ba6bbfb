package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"digit-trader/internal/indicators"
	"digit-trader/internal/market"
	"digit-trader/pkg/broker"
)

// ScoreMethod is the full gRPC method name of the remote scorer.
const ScoreMethod = "/digittrader.model.v1.Scorer/Score"

// ScorerServer is implemented by model servers. Requests carry the contract
// family, barrier, recent digits and prices, and the feature map; responses
// carry prediction, confidence and optionally contract_type, barrier, stake
// and duration_ticks.
type ScorerServer interface {
	Score(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func scoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScorerServer).Score(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ScoreMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScorerServer).Score(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ScorerServiceDesc registers a ScorerServer on a grpc.Server.
var ScorerServiceDesc = grpc.ServiceDesc{
	ServiceName: "digittrader.model.v1.Scorer",
	HandlerType: (*ScorerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: scoreHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "digittrader/model/v1/scorer.proto",
}

// Remote scores windows with an external model served over gRPC.
type Remote struct {
	base
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  zerolog.Logger
}

// DialRemote connects to a model server at addr.
func DialRemote(id, addr string, minHistory int, timeout time.Duration, opts ...grpc.DialOption) (*Remote, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial model %s: %w", addr, err)
	}
	return NewRemote(id, conn, minHistory, timeout), nil
}

// NewRemote wraps an existing connection.
func NewRemote(id string, conn *grpc.ClientConn, minHistory int, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Remote{
		base:    base{id: id, minHistory: minHistory},
		conn:    conn,
		timeout: timeout,
		logger:  log.With().Str("component", "remote_model").Str("strategy", id).Logger(),
	}
}

func (r *Remote) Kind() string { return "remote" }

func (r *Remote) Supports(ct broker.ContractType) bool { return ct.Valid() }

func (r *Remote) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Remote) Evaluate(ctx context.Context, window []market.Tick, cfg EvalConfig) Signal {
	if len(window) < r.MinHistory() {
		return abstain(r.id, window, cfg, "insufficient history")
	}
	prices, digits := series(window)
	req, err := buildScoreRequest(cfg, prices, digits)
	if err != nil {
		return abstain(r.id, window, cfg, "encode request: "+err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, ScoreMethod, req, resp); err != nil {
		r.logger.Warn().Err(err).Msg("model call failed")
		return abstain(r.id, window, cfg, "model unavailable")
	}
	return r.decode(resp, window, cfg)
}

func buildScoreRequest(cfg EvalConfig, prices []float64, digits []int) (*structpb.Struct, error) {
	ps := make([]any, len(prices))
	for i, p := range prices {
		ps[i] = p
	}
	ds := make([]any, len(digits))
	for i, d := range digits {
		ds[i] = float64(d)
	}
	feats := map[string]any{}
	for k, v := range indicators.Features(prices, digits, indicators.DefaultParams) {
		feats[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"contract_type":  string(cfg.ContractType),
		"barrier":        cfg.Barrier,
		"duration_ticks": float64(cfg.DurationTicks),
		"prices":         ps,
		"digits":         ds,
		"features":       feats,
	})
}

func (r *Remote) decode(resp *structpb.Struct, window []market.Tick, cfg EvalConfig) Signal {
	f := resp.GetFields()
	sig := abstain(r.id, window, cfg, "")
	sig.Prediction = f["prediction"].GetStringValue()
	sig.Confidence = clamp01(f["confidence"].GetNumberValue())
	if ct := broker.ContractType(f["contract_type"].GetStringValue()); ct.Valid() {
		a, b := family(cfg.ContractType)
		// The model may only pick within the configured family.
		if ct == a || ct == b {
			sig.ContractType = ct
		}
	}
	if b := f["barrier"].GetStringValue(); b != "" {
		sig.Barrier = b
	}
	if stake := f["stake"].GetNumberValue(); stake > 0 {
		sig.Stake = decimal.NewFromFloat(stake).Round(2)
	}
	if d := int(f["duration_ticks"].GetNumberValue()); d > 0 {
		sig.DurationTicks = d
	}
	sig.Reason = f["reason"].GetStringValue()
	if sig.ContractType.NeedsBarrier() && sig.Barrier == "" {
		sig.Confidence = 0
		sig.Reason = "model returned no barrier"
	}
	return sig
}
