package rpc

import (
	"context"
	"log/slog"

	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"rewardsledger/crypto"
	"rewardsledger/services/incentivesd/server"
)

// ServiceName is the fully qualified name of the gRPC service.
const ServiceName = "incentives.v1.IncentivesService"

// IncentivesServiceServer is the server API of incentives.v1.IncentivesService.
type IncentivesServiceServer interface {
	GetMeta(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAssetData(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRewardsBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetUnclaimedRewards(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetClaimer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfigureAssets(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetClaimer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDistributionEnd(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HandleAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClaimRewards(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClaimRewardsOnBehalf(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(IncentivesServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(IncentivesServiceServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(impl, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IncentivesServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetMeta", IncentivesServiceServer.GetMeta),
		unary("GetAssetData", IncentivesServiceServer.GetAssetData),
		unary("GetRewardsBalance", IncentivesServiceServer.GetRewardsBalance),
		unary("GetUnclaimedRewards", IncentivesServiceServer.GetUnclaimedRewards),
		unary("GetClaimer", IncentivesServiceServer.GetClaimer),
		unary("ConfigureAssets", IncentivesServiceServer.ConfigureAssets),
		unary("SetClaimer", IncentivesServiceServer.SetClaimer),
		unary("SetDistributionEnd", IncentivesServiceServer.SetDistributionEnd),
		unary("HandleAction", IncentivesServiceServer.HandleAction),
		unary("ClaimRewards", IncentivesServiceServer.ClaimRewards),
		unary("ClaimRewardsOnBehalf", IncentivesServiceServer.ClaimRewardsOnBehalf),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "incentives/v1/incentives.proto",
}

// RegisterIncentivesServiceServer registers srv on s.
func RegisterIncentivesServiceServer(s grpc.ServiceRegistrar, srv IncentivesServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Service adapts the ledger to IncentivesServiceServer. The caller is the
// principal attached by the auth interceptor.
type Service struct {
	ledger server.Ledger
	logger *slog.Logger
}

// NewService returns a Service backed by ledger.
func NewService(ledger server.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, logger: logger}
}

func (s *Service) caller(ctx context.Context) (crypto.Address, error) {
	p, ok := server.PrincipalFromContext(ctx)
	if !ok {
		return crypto.Address{}, status.Error(codes.Unauthenticated, "missing principal")
	}
	return p.Address, nil
}

func (s *Service) fail(method string, err error) error {
	st := toStatus(err)
	if status.Code(st) == codes.Internal {
		s.logger.Error("rpc failed", "method", method, "error", err)
	}
	return st
}

func (s *Service) GetMeta(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	end, err := s.ledger.GetDistributionEnd()
	if err != nil {
		return nil, s.fail("GetMeta", err)
	}
	return reply(map[string]interface{}{
		"reward_token":     s.ledger.RewardToken().String(),
		"precision":        uint32(s.ledger.Precision()),
		"distribution_end": end,
	})
}

func (s *Service) GetAssetData(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	asset, err := addressField(req, "asset")
	if err != nil {
		return nil, s.fail("GetAssetData", err)
	}
	data, err := s.ledger.GetAssetData(asset)
	if err != nil {
		return nil, s.fail("GetAssetData", err)
	}
	return reply(map[string]interface{}{
		"asset":                 asset.String(),
		"index":                 formatAmount(data.Index),
		"emission_per_second":   formatAmount(data.EmissionPerSecond),
		"last_update_timestamp": data.LastUpdateTimestamp,
	})
}

func (s *Service) GetRewardsBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := addressField(req, "user")
	if err != nil {
		return nil, s.fail("GetRewardsBalance", err)
	}
	assets, err := addressListField(req, "assets")
	if err != nil {
		return nil, s.fail("GetRewardsBalance", err)
	}
	total, err := s.ledger.GetRewardsBalance(ctx, assets, user)
	if err != nil {
		return nil, s.fail("GetRewardsBalance", err)
	}
	return reply(map[string]interface{}{"user": user.String(), "rewards": formatAmount(total)})
}

func (s *Service) GetUnclaimedRewards(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := addressField(req, "user")
	if err != nil {
		return nil, s.fail("GetUnclaimedRewards", err)
	}
	unclaimed, err := s.ledger.GetUserUnclaimedRewards(user)
	if err != nil {
		return nil, s.fail("GetUnclaimedRewards", err)
	}
	return reply(map[string]interface{}{"user": user.String(), "unclaimed": formatAmount(unclaimed)})
}

func (s *Service) GetClaimer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := addressField(req, "user")
	if err != nil {
		return nil, s.fail("GetClaimer", err)
	}
	claimer, err := s.ledger.GetClaimer(user)
	if err != nil {
		return nil, s.fail("GetClaimer", err)
	}
	return reply(map[string]interface{}{"user": user.String(), "claimer": claimer.String()})
}

func (s *Service) ConfigureAssets(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	assets, err := addressListField(req, "assets")
	if err != nil {
		return nil, s.fail("ConfigureAssets", err)
	}
	emissions, err := amountListField(req, "emissions_per_second")
	if err != nil {
		return nil, s.fail("ConfigureAssets", err)
	}
	supplies, err := amountListField(req, "total_supplies")
	if err != nil {
		return nil, s.fail("ConfigureAssets", err)
	}
	if err := s.ledger.ConfigureAssets(ctx, caller, assets, emissions, supplies); err != nil {
		return nil, s.fail("ConfigureAssets", err)
	}
	return empty(), nil
}

func (s *Service) SetClaimer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	user, err := addressField(req, "user")
	if err != nil {
		return nil, s.fail("SetClaimer", err)
	}
	claimer, err := addressField(req, "claimer")
	if err != nil {
		return nil, s.fail("SetClaimer", err)
	}
	if err := s.ledger.SetClaimer(ctx, caller, user, claimer); err != nil {
		return nil, s.fail("SetClaimer", err)
	}
	return empty(), nil
}

func (s *Service) SetDistributionEnd(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	end, err := uintField(req, "end")
	if err != nil {
		return nil, s.fail("SetDistributionEnd", err)
	}
	if err := s.ledger.SetDistributionEnd(ctx, caller, end); err != nil {
		return nil, s.fail("SetDistributionEnd", err)
	}
	return empty(), nil
}

// HandleAction reports a balance change for the calling asset. When a
// position is supplied it is committed with the action under its sequence.
func (s *Service) HandleAction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	asset, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	user, err := addressField(req, "user")
	if err != nil {
		return nil, s.fail("HandleAction", err)
	}
	balance, err := amountField(req, "user_balance")
	if err != nil {
		return nil, s.fail("HandleAction", err)
	}
	supply, err := amountField(req, "total_supply")
	if err != nil {
		return nil, s.fail("HandleAction", err)
	}
	position, err := positionField(req)
	if err != nil {
		return nil, s.fail("HandleAction", err)
	}
	var accrued *uint256.Int
	if position == nil {
		accrued, err = s.ledger.HandleAction(ctx, asset, user, balance, supply)
	} else {
		accrued, err = s.ledger.HandleActionWithPosition(ctx, asset, user, balance, supply, *position)
	}
	if err != nil {
		return nil, s.fail("HandleAction", err)
	}
	return reply(map[string]interface{}{"accrued": formatAmount(accrued)})
}

// ClaimRewards pays the caller's rewards to "to", or to the caller when it
// is omitted.
func (s *Service) ClaimRewards(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	assets, err := addressListField(req, "assets")
	if err != nil {
		return nil, s.fail("ClaimRewards", err)
	}
	amount, err := amountField(req, "amount")
	if err != nil {
		return nil, s.fail("ClaimRewards", err)
	}
	to, err := addressField(req, "to")
	if err != nil {
		return nil, s.fail("ClaimRewards", err)
	}
	var paid *uint256.Int
	if to.IsZero() {
		paid, err = s.ledger.ClaimRewardsToSelf(ctx, caller, assets, amount)
	} else {
		paid, err = s.ledger.ClaimRewards(ctx, caller, assets, amount, to)
	}
	if err != nil {
		return nil, s.fail("ClaimRewards", err)
	}
	return reply(map[string]interface{}{"paid": formatAmount(paid)})
}

func (s *Service) ClaimRewardsOnBehalf(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	assets, err := addressListField(req, "assets")
	if err != nil {
		return nil, s.fail("ClaimRewardsOnBehalf", err)
	}
	amount, err := amountField(req, "amount")
	if err != nil {
		return nil, s.fail("ClaimRewardsOnBehalf", err)
	}
	user, err := addressField(req, "user")
	if err != nil {
		return nil, s.fail("ClaimRewardsOnBehalf", err)
	}
	to, err := addressField(req, "to")
	if err != nil {
		return nil, s.fail("ClaimRewardsOnBehalf", err)
	}
	paid, err := s.ledger.ClaimRewardsOnBehalf(ctx, caller, assets, amount, user, to)
	if err != nil {
		return nil, s.fail("ClaimRewardsOnBehalf", err)
	}
	return reply(map[string]interface{}{"paid": formatAmount(paid)})
}
