package coordinator

import (
	"fmt"

	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// PromptExpander 將一個主題展開為 count 個提示詞變體
//
// 介面化讓呼叫方可以接上自己的展開策略（LLM、規則庫等）；
// 預設實作以模板輪替產生變體。
type PromptExpander interface {
	Expand(subject string, count int) ([]string, error)
}

// variationTemplates 預設的風格變體模板，%s 為主題
var variationTemplates = []string{
	"%s, highly detailed, sharp focus",
	"%s, golden hour lighting, cinematic",
	"%s, soft studio lighting, professional photography",
	"%s, dramatic shadows, moody atmosphere",
	"%s, vibrant colors, dynamic composition",
	"%s, minimalist style, clean background",
	"%s, wide angle view, epic scale",
	"%s, close-up shot, intricate texture",
}

// TemplateExpander 預設展開器：模板輪替，超過模板數時附加變體編號
type TemplateExpander struct{}

// NewTemplateExpander 建立預設展開器
func NewTemplateExpander() *TemplateExpander {
	return &TemplateExpander{}
}

// Expand 產生 count 個提示詞變體
func (e *TemplateExpander) Expand(subject string, count int) ([]string, error) {
	if subject == "" {
		return nil, &types.ValidationError{Field: "subject", Reason: "must not be empty"}
	}
	if count < 1 {
		return nil, &types.ValidationError{Field: "count", Reason: "must be at least 1"}
	}

	prompts := make([]string, 0, count)
	for i := 0; i < count; i++ {
		template := variationTemplates[i%len(variationTemplates)]
		prompt := fmt.Sprintf(template, subject)
		if i >= len(variationTemplates) {
			// 模板用盡後以編號維持唯一性
			prompt = fmt.Sprintf("%s, variation %d", prompt, i/len(variationTemplates)+1)
		}
		prompts = append(prompts, prompt)
	}
	return prompts, nil
}
