package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/repository"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

var (
	ErrStoreUnavailable       = errors.New("seckill: store unavailable")
	ErrUnexpectedScriptResult = errors.New("seckill: unexpected script result")
	ErrVoucherNotFound        = errors.New("seckill: voucher not found")
)

const LuaSeckill = `
	-- KEYS: [stockKey, orderKey, streamKey]
	-- ARGV: [voucherId, userId, orderId]

	-- 1. 库存
	local stock = tonumber(redis.call('get', KEYS[1]))
	if stock == nil then
		return -1 -- 库存未初始化
	end
	if stock <= 0 then
		return 1 -- 库存不足
	end

	-- 2. 一人一单
	if redis.call('sismember', KEYS[2], ARGV[2]) == 1 then
		return 2 -- 重复下单
	end

	-- 3. 扣减库存，记录用户
	redis.call('incrby', KEYS[1], -1)
	redis.call('sadd', KEYS[2], ARGV[2])

	-- 4. 发送订单消息
	redis.call('xadd', KEYS[3], '*', 'userId', ARGV[2], 'voucherId', ARGV[1], 'id', ARGV[3])
	return 0
`

// AdmissionCode 秒杀脚本返回码
type AdmissionCode int64

const (
	Admitted            AdmissionCode = 0
	OutOfStock          AdmissionCode = 1
	DuplicateOrder      AdmissionCode = 2
	stockNotInitialized AdmissionCode = -1
)

func (c AdmissionCode) String() string {
	switch c {
	case Admitted:
		return "admitted"
	case OutOfStock:
		return "out of stock"
	case DuplicateOrder:
		return "duplicate order"
	default:
		return "unknown(" + strconv.FormatInt(int64(c), 10) + ")"
	}
}

// AdmissionResult 被拒绝是正常业务结果，不是 error
type AdmissionResult struct {
	OrderID int64
	Code    AdmissionCode
}

func (r AdmissionResult) Admitted() bool {
	return r.Code == Admitted
}

// OrderOutcome CreateVoucherOrder 的结果
type OrderOutcome int

const (
	OrderCreated OrderOutcome = iota
	OrderAlreadyExists
	OrderSoldOut
)

func (o OrderOutcome) String() string {
	switch o {
	case OrderCreated:
		return "created"
	case OrderAlreadyExists:
		return "already exists"
	case OrderSoldOut:
		return "sold out"
	default:
		return "unknown"
	}
}

type IDGenerator interface {
	NextID(ctx context.Context, keyPrefix string) (int64, error)
}

type VoucherOrderService struct {
	rdb       redis.Cmdable
	store     repository.Store
	ids       IDGenerator
	log       *logrus.Logger
	cb        *gobreaker.CircuitBreaker
	sf        singleflight.Group
	script    *redis.Script
	streamKey string
	meter     metric.Meter

	admittedTotal uint64
	rejectedTotal uint64
}

func NewVoucherOrderService(rdb redis.Cmdable, store repository.Store, ids IDGenerator, log *logrus.Logger, streamKey string) *VoucherOrderService {
	if streamKey == "" {
		streamKey = model.OrderStreamKey
	}

	st := gobreaker.Settings{
		Name:        "SeckillCircuitBreaker",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,

		// 触发熔断的条件
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},

		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("[Seckill] CircuitBreaker state changed from %s to %s", from, to)
		},
	}

	s := &VoucherOrderService{
		rdb:       rdb,
		store:     store,
		ids:       ids,
		log:       log,
		cb:        gobreaker.NewCircuitBreaker(st),
		script:    redis.NewScript(LuaSeckill),
		streamKey: streamKey,
		meter:     otel.GetMeterProvider().Meter("voucherservice.seckill"),
	}
	s.registerMetrics()
	return s
}

func (s *VoucherOrderService) registerMetrics() {
	_, err := s.meter.Int64ObservableGauge(
		"seckill_admitted_total",
		metric.WithUnit("{ops}"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&s.admittedTotal)))
			return nil
		}),
	)
	if err != nil {
		s.log.Warnf("failed to register metrics: %v", err)
	}

	_, err = s.meter.Int64ObservableGauge(
		"seckill_rejected_total",
		metric.WithUnit("{ops}"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&s.rejectedTotal)))
			return nil
		}),
	)
	if err != nil {
		s.log.Warnf("failed to register metrics: %v", err)
	}
}

func stockKey(voucherID int64) string {
	return model.SeckillStockKey + strconv.FormatInt(voucherID, 10)
}

func orderSetKey(voucherID int64) string {
	return model.SeckillOrderKey + strconv.FormatInt(voucherID, 10)
}

// AddSeckillVoucher 保存秒杀券并把库存写入 redis
func (s *VoucherOrderService) AddSeckillVoucher(ctx context.Context, voucher *model.SeckillVoucher) error {
	if err := s.store.CreateSeckillVoucher(ctx, voucher); err != nil {
		return fmt.Errorf("create seckill voucher: %w", err)
	}
	if err := s.rdb.Set(ctx, stockKey(voucher.VoucherID), voucher.Stock, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SeckillVoucher 执行秒杀资格判断，成功后订单由 OrderStreamConsumer 异步创建
func (s *VoucherOrderService) SeckillVoucher(ctx context.Context, voucherID, userID int64) (AdmissionResult, error) {
	// 1. 先生成订单 id，脚本会把它写进消息
	orderID, err := s.ids.NextID(ctx, "order")
	if err != nil {
		return AdmissionResult{}, err
	}

	keys := []string{stockKey(voucherID), orderSetKey(voucherID), s.streamKey}
	args := []interface{}{voucherID, userID, orderID}

	// 2. 执行脚本，库存未初始化时从数据库加载后重试一次
	for attempt := 0; attempt < 2; attempt++ {
		code, err := s.execAdmission(ctx, keys, args)
		if err != nil {
			return AdmissionResult{}, err
		}

		switch code {
		case Admitted:
			atomic.AddUint64(&s.admittedTotal, 1)
			return AdmissionResult{OrderID: orderID, Code: Admitted}, nil
		case OutOfStock, DuplicateOrder:
			atomic.AddUint64(&s.rejectedTotal, 1)
			return AdmissionResult{Code: code}, nil
		case stockNotInitialized:
			if attempt == 0 {
				if err := s.loadStock(ctx, voucherID); err != nil {
					return AdmissionResult{}, err
				}
				continue
			}
		}
		return AdmissionResult{}, fmt.Errorf("%w: %s", ErrUnexpectedScriptResult, code)
	}
	return AdmissionResult{}, fmt.Errorf("%w: stock not initialized", ErrUnexpectedScriptResult)
}

// 执行Lua脚本，外嵌熔断器
func (s *VoucherOrderService) execAdmission(ctx context.Context, keys []string, args []interface{}) (AdmissionCode, error) {
	val, err := s.cb.Execute(func() (interface{}, error) {
		res, err := s.script.Run(ctx, s.rdb, keys, args...).Result()
		if err != nil {
			s.log.Errorf("[Seckill] Lua exec failed: %v", err)
			return nil, err
		}

		code, ok := res.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected lua return type %T", res)
		}
		return code, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return AdmissionCode(val.(int64)), nil
}

// loadStock 从数据库加载库存，SetNX 防止覆盖已经在扣减的库存
func (s *VoucherOrderService) loadStock(ctx context.Context, voucherID int64) error {
	_, err, _ := s.sf.Do("load_stock:"+strconv.FormatInt(voucherID, 10), func() (interface{}, error) {
		voucher, err := s.store.GetSeckillVoucher(ctx, voucherID)
		if err != nil {
			return nil, err
		}
		if voucher == nil {
			return nil, ErrVoucherNotFound
		}
		if err := s.rdb.SetNX(ctx, stockKey(voucherID), voucher.Stock, 0).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		s.log.Infof("[Seckill] loaded stock %d for voucher %d", voucher.Stock, voucherID)
		return nil, nil
	})
	return err
}

// CreateVoucherOrder 在同一个事务里完成 一人一单检查、扣减库存、保存订单
func (s *VoucherOrderService) CreateVoucherOrder(ctx context.Context, task model.OrderTask) (OrderOutcome, error) {
	var outcome OrderOutcome
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		// 1. 重复消息幂等
		exists, err := tx.OrderExists(ctx, task.UserID, task.VoucherID)
		if err != nil {
			return err
		}
		if exists {
			outcome = OrderAlreadyExists
			return nil
		}

		// 2. 扣减库存 stock = stock - 1 where stock > 0
		ok, err := tx.DecrementStockIfPositive(ctx, task.VoucherID)
		if err != nil {
			return err
		}
		if !ok {
			outcome = OrderSoldOut
			return nil
		}

		// 3. 保存订单，唯一键冲突时整个事务回滚，库存不会被多扣
		if err := tx.InsertOrder(ctx, task.ToOrder()); err != nil {
			return err
		}
		outcome = OrderCreated
		return nil
	})
	if errors.Is(err, repository.ErrOrderExists) {
		return OrderAlreadyExists, nil
	}
	return outcome, err
}
