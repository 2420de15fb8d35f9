package pricing

import (
	"errors"
)

// ============================================================================
// 价格表
// ============================================================================
//
// 【重要】这是全系统唯一的"金额 <-> 积分"映射：
// 创建结账会话和回调兜底换算都只查这张表，
// 绝不允许在别处散落金额字面量，否则两边迟早对不上
//
// ============================================================================

var ErrUnknownTier = errors.New("未知的价格档位")

// Tier 价格档位
type Tier struct {
	Key         string // 档位 key，客户端传入
	AmountCents int64  // 支付金额（美分）
	Credits     int64  // 到账积分
}

var tiers = map[string]Tier{
	"price_100": {Key: "price_100", AmountCents: 1000, Credits: 100}, // $10.00
	"price_40":  {Key: "price_40", AmountCents: 500, Credits: 40},    // $5.00
	"price_15":  {Key: "price_15", AmountCents: 300, Credits: 15},    // $3.00
}

// Lookup 按档位 key 查价格
func Lookup(key string) (Tier, error) {
	tier, ok := tiers[key]
	if !ok {
		return Tier{}, ErrUnknownTier
	}
	return tier, nil
}

// CreditsForAmount 按支付金额反查积分
//
// 【注意】这只是回调 metadata 缺失时的兜底手段，
// 正常路径应该直接读会话创建时写入的 metadata.credits
func CreditsForAmount(amountCents int64) (int64, bool) {
	for _, tier := range tiers {
		if tier.AmountCents == amountCents {
			return tier.Credits, true
		}
	}
	return 0, false
}

// Tiers 返回所有档位（客户端展示用）
func Tiers() []Tier {
	result := make([]Tier, 0, len(tiers))
	for _, tier := range tiers {
		result = append(result, tier)
	}
	return result
}
