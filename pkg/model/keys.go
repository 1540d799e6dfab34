package model

// Redis key 布局
const (
	CacheShopKey    = "cache:shop:"
	CacheShopHotKey = "cache:shop:hot:"
	LockShopName    = "shop:"
	LockOrderName   = "order:"
	ShopBloomKey    = "shop:bloom:filter"

	SeckillStockKey = "seckill:stock:"
	SeckillOrderKey = "seckill:order:"

	IDCounterKey = "icr:"

	OrderStreamKey   = "stream.orders"
	OrderStreamGroup = "g1"
	DeadStreamKey    = "mq:dead:letter"
)
