package inverter

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the inverter System based on flags. The mock is for
// local development without cloud credentials.
func Configured() System {
	provider := lflag.String("inverter-provider", "solark", "Inverter provider to use (available: solark, mock)")
	baseURL := lflag.String("inverter-base-url", "", "Override the inverter cloud base URL")

	var s struct{ System }

	lflag.Do(func() {
		switch *provider {
		case "solark":
			sa := NewSolArk()
			if *baseURL != "" {
				sa.baseURL = *baseURL
			}
			s.System = sa
		case "mock":
			s.System = NewMock()
		default:
			panic(fmt.Sprintf("unknown inverter provider: %s", *provider))
		}
	})

	return &s
}
