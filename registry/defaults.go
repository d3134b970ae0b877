package registry

import "github.com/BaSui01/agentbus/types"

// DefaultWorkers 返回三个演示股票 worker 的描述
func DefaultWorkers() []WorkerInfo {
	return []WorkerInfo{
		{
			ID:           StockNewsAgent,
			Description:  "Fetches latest stock market news and summarizes headlines relevant to the request",
			Capabilities: []string{"news", "headlines", "market sentiment"},
			OpCodes:      []types.OpCode{types.OpStockRecommendation, types.OpStockNews},
		},
		{
			ID:           StockPriceAgent,
			Description:  "Retrieves historical stock prices and trading volume",
			Capabilities: []string{"price history", "quotes", "volume"},
			OpCodes:      []types.OpCode{types.OpStockRecommendation, types.OpPricePrediction},
		},
		{
			ID:           PricePredictorAgent,
			Description:  "Generates buy/sell recommendations and price forecasts",
			Capabilities: []string{"forecast", "recommendation", "buy", "sell"},
			OpCodes:      []types.OpCode{types.OpStockRecommendation, types.OpPricePrediction},
		},
	}
}

// RegisterDefaults registers DefaultWorkers into r.
func RegisterDefaults(r *Registry) error {
	for _, w := range DefaultWorkers() {
		if err := r.Register(w); err != nil {
			return err
		}
	}
	return nil
}
