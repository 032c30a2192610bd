// Package exchange provides reconciliation.ExchangeBalanceProvider implementations:
// a gRPC custody client, a redis read-through cache and a static in-process source.
package exchange

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/reconciliation"
)

const (
	custodyServiceName = "custody.v1.CustodyService"
	getBalanceMethod   = "/" + custodyServiceName + "/GetBalance"
)

// GRPCProvider asks a custody service for balances. Requests and responses are
// google.protobuf.Struct messages:
//
//	request:  {"exchange_id": "bybit", "asset": "BTC"}
//	response: {"balance": "10.5"}
//
// codes.NotFound means the exchange holds nothing for the asset and is reported as a
// zero balance. Every other failure wraps reconciliation.ErrExchangeUnavailable.
type GRPCProvider struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewGRPCProvider creates a custody client over conn.
func NewGRPCProvider(conn grpc.ClientConnInterface, logger *zap.Logger) *GRPCProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCProvider{conn: conn, logger: logger.Named("custody_client")}
}

// Dial connects to target and returns the provider with its connection closer. A nil
// tlsCfg dials without transport security.
func Dial(target string, tlsCfg *tls.Config, logger *zap.Logger) (*GRPCProvider, func() error, error) {
	creds := insecure.NewCredentials()
	if tlsCfg != nil {
		creds = credentials.NewTLS(tlsCfg)
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create custody client for %s: %w", target, err)
	}
	return NewGRPCProvider(conn, logger), conn.Close, nil
}

func (p *GRPCProvider) GetBalance(ctx context.Context, exchangeID, asset string) (decimal.Decimal, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"exchange_id": exchangeID,
		"asset":       asset,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build balance request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, getBalanceMethod, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			p.logger.Debug("custody reports no holding",
				zap.String("exchange_id", exchangeID), zap.String("asset", asset))
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("%w: %s/%s: %v", reconciliation.ErrExchangeUnavailable, exchangeID, asset, err)
	}

	raw, ok := resp.GetFields()["balance"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: response has no balance", reconciliation.ErrExchangeUnavailable, exchangeID, asset)
	}
	balance, err := decimal.NewFromString(raw.GetStringValue())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: malformed balance %q", reconciliation.ErrExchangeUnavailable, exchangeID, asset, raw.GetStringValue())
	}
	return balance, nil
}

// CustodyServer serves balances from a provider over gRPC. It backs the local custody
// service used in development and tests.
type CustodyServer struct {
	source reconciliation.ExchangeBalanceProvider
	logger *zap.Logger
}

// RegisterCustodyServer registers the custody service on s.
func RegisterCustodyServer(s *grpc.Server, source reconciliation.ExchangeBalanceProvider, logger *zap.Logger) *CustodyServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &CustodyServer{source: source, logger: logger.Named("custody_server")}
	s.RegisterService(&custodyServiceDesc, srv)
	return srv
}

func (s *CustodyServer) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	exchangeID := fields["exchange_id"].GetStringValue()
	asset := fields["asset"].GetStringValue()
	if exchangeID == "" || asset == "" {
		return nil, status.Error(codes.InvalidArgument, "exchange_id and asset are required")
	}

	start := time.Now()
	balance, err := s.source.GetBalance(ctx, exchangeID, asset)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil, status.Errorf(codes.NotFound, "no %s holding on %s", asset, exchangeID)
	case err != nil:
		s.logger.Warn("balance lookup failed", zap.String("exchange_id", exchangeID), zap.String("asset", asset), zap.Error(err))
		return nil, status.Errorf(codes.Unavailable, "balance lookup failed: %v", err)
	}

	s.logger.Debug("balance served",
		zap.String("exchange_id", exchangeID),
		zap.String("asset", asset),
		zap.Duration("elapsed", time.Since(start)),
	)
	return structpb.NewStruct(map[string]interface{}{"balance": balance.String()})
}

type custodyService interface {
	GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func getBalanceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(custodyService).GetBalance(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getBalanceMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(custodyService).GetBalance(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var custodyServiceDesc = grpc.ServiceDesc{
	ServiceName: custodyServiceName,
	HandlerType: (*custodyService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: getBalanceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "custody/v1/custody.proto",
}
