package coordinator

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// Dimension 笛卡兒積展開的一個維度：名稱 + 候選值列表
type Dimension struct {
	Name   string
	Values []string
}

// maxCombinationProduct 展開前的乘積上限，超過視為病態請求
const maxCombinationProduct = 100_000

// expandDimensions 對維度列表做笛卡兒積，每個組合以逗號串接為提示詞
//
// 行為：
//   - 任一維度為空或無維度時回傳 ValidationError
//   - 展開前先計算乘積，超過 maxCombinationProduct 回傳 ErrLimitExceeded
//   - limit > 0 時截斷到前 limit 個組合（字典序，維度順序為主鍵）
func expandDimensions(dims []Dimension, limit int) ([]string, error) {
	if len(dims) == 0 {
		return nil, &types.ValidationError{Field: "dimensions", Reason: "must not be empty"}
	}

	product := 1
	for _, d := range dims {
		if len(d.Values) == 0 {
			return nil, &types.ValidationError{
				Field:  "dimensions",
				Reason: fmt.Sprintf("dimension %q has no values", d.Name),
			}
		}
		product *= len(d.Values)
		if product > maxCombinationProduct {
			return nil, fmt.Errorf("%w: combination product exceeds %d", ErrLimitExceeded, maxCombinationProduct)
		}
	}

	count := product
	if limit > 0 && limit < count {
		count = limit
	}

	prompts := make([]string, 0, count)
	indices := make([]int, len(dims))
	parts := make([]string, len(dims))
	for len(prompts) < count {
		for i, d := range dims {
			parts[i] = d.Values[indices[i]]
		}
		prompts = append(prompts, strings.Join(parts, ", "))

		// 進位式遞增，最後一個維度變動最快
		for i := len(dims) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(dims[i].Values) {
				break
			}
			indices[i] = 0
		}
	}
	return prompts, nil
}
