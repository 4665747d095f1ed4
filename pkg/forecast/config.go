package forecast

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/ohsnyt/touscheduler/pkg/storage"
)

// Configured sets up the forecast Source based on flags. The mock is for
// local development without a Solcast account.
func Configured(store storage.Provider) Source {
	provider := lflag.String("forecast-provider", "solcast", "Forecast provider to use (available: solcast, mock)")
	baseURL := lflag.String("forecast-base-url", "", "Override the forecast API base URL")

	var s struct{ Source }

	lflag.Do(func() {
		switch *provider {
		case "solcast":
			sc := NewSolcast(store)
			if *baseURL != "" {
				sc.baseURL = *baseURL
			}
			s.Source = sc
		case "mock":
			s.Source = NewMock()
		default:
			panic(fmt.Sprintf("unknown forecast provider: %s", *provider))
		}
	})

	return &s
}
