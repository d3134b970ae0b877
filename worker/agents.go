package worker

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentbus/registry"
	"github.com/BaSui01/agentbus/types"
)

// =============================================================================
// 📈 演示股票 Agent
// =============================================================================

// Fixed replies of the demo agents.
const (
	PriceDataInfo       = "Historical price data retrieved..."
	RecommendationInfo  = "Buy TSLA, NVDA, AAPL"
	NewsUnavailableInfo = "Could not retrieve stock news at this time."
)

// NewsSource produces a news summary for a task description.
type NewsSource func(ctx context.Context, description string) (string, error)

// StockNewsHandler summarizes news relevant to the request. Source
// failures degrade to NewsUnavailableInfo instead of failing the task.
func StockNewsHandler(source NewsSource) Handler {
	return HandlerFunc(func(ctx context.Context, task *types.DispatchMessage) (any, error) {
		desc := task.Description()
		if source == nil {
			return fmt.Sprintf("Stock market news summary for %q: no major market-moving headlines.", desc), nil
		}
		summary, err := source(ctx, desc)
		if err != nil || summary == "" {
			return NewsUnavailableInfo, nil
		}
		return summary, nil
	})
}

// StockPriceHandler returns historical price data.
func StockPriceHandler() Handler {
	return HandlerFunc(func(context.Context, *types.DispatchMessage) (any, error) {
		return PriceDataInfo, nil
	})
}

// PricePredictorHandler returns a buy recommendation.
func PricePredictorHandler() Handler {
	return HandlerFunc(func(context.Context, *types.DispatchMessage) (any, error) {
		return RecommendationInfo, nil
	})
}

// DemoEndpoints returns the three demo stock agents under their registry
// identities.
func DemoEndpoints() []Endpoint {
	return []Endpoint{
		{ID: registry.StockNewsAgent, Handler: StockNewsHandler(nil)},
		{ID: registry.StockPriceAgent, Handler: StockPriceHandler()},
		{ID: registry.PricePredictorAgent, Handler: PricePredictorHandler()},
	}
}
