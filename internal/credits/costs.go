package credits

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Operation names a billable generation.
type Operation string

const (
	OpOutline        Operation = "outline"
	OpBlogPost       Operation = "blog_post"
	OpSocialSingle   Operation = "social_single"
	OpSocialMulti    Operation = "social_multi"
	OpImageBasic     Operation = "image_basic"
	OpImageStandard  Operation = "image_standard"
	OpImagePremium   Operation = "image_premium"
	OpVideoShort     Operation = "video_short"
	OpVideoLong      Operation = "video_long"
	OpProductRewrite Operation = "product_rewrite"
	OpContentPlan    Operation = "content_plan"
)

// CostTable maps an operation to its credit cost.
type CostTable map[Operation]int64

func DefaultCosts() CostTable {
	return CostTable{
		OpOutline:        5,
		OpBlogPost:       10,
		OpSocialSingle:   5,
		OpSocialMulti:    10,
		OpImageBasic:     3,
		OpImageStandard:  6,
		OpImagePremium:   12,
		OpVideoShort:     8,
		OpVideoLong:      15,
		OpProductRewrite: 25,
		OpContentPlan:    20,
	}
}

// CostsFromEnv applies CREDIT_COST_<OPERATION> overrides on top of the defaults.
func CostsFromEnv(getenv func(string) string) CostTable {
	if getenv == nil {
		getenv = os.Getenv
	}
	t := DefaultCosts()
	for op := range t {
		v := strings.TrimSpace(getenv("CREDIT_COST_" + strings.ToUpper(string(op))))
		if v == "" {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			t[op] = n
		}
	}
	return t
}

func (t CostTable) Cost(op Operation) (int64, error) {
	c, ok := t[op]
	if !ok {
		return 0, fmt.Errorf("credits: no cost configured for %q", op)
	}
	return c, nil
}

// ImageOperation returns the operation for an image quality tier.
func ImageOperation(tier string) (Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case "", "basic":
		return OpImageBasic, true
	case "standard":
		return OpImageStandard, true
	case "premium":
		return OpImagePremium, true
	default:
		return "", false
	}
}

// VideoOperation returns the operation for a video length.
func VideoOperation(length string) (Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(length)) {
	case "", "short":
		return OpVideoShort, true
	case "long":
		return OpVideoLong, true
	default:
		return "", false
	}
}
