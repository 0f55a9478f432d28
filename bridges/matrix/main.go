// Command matrix-registration writes the appservice registration document
// a Matrix homeserver needs to load before it will route traffic to the
// AmityVox federation bridge (spec.md §6 "a JSON registration document
// declaring the username and alias regex namespaces... and the two
// tokens"). The bridge's actual appservice HTTP surface
// (PUT .../transactions/:txnId, GET .../users/:userId, .../rooms/:alias)
// is served in-process by cmd/amityvox-fed alongside the fed-facing inbox;
// this is a separate, thin entrypoint because registration only needs to
// run once per deployment, ahead of the homeserver ever being started.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/amityvox/amityvox/internal/intake"
)

func main() {
	baseURL := envOr("AMITYVOX_FED_URL", "")
	localDomain := envOr("AMITYVOX_LOCAL_DOMAIN", "")
	asToken := envOr("MATRIX_AS_TOKEN", "")
	hsToken := envOr("MATRIX_HS_TOKEN", "")
	out := envOr("AMITYVOX_REGISTRATION_PATH", "registration.json")

	missing := missingEnv(map[string]string{
		"AMITYVOX_FED_URL":      baseURL,
		"AMITYVOX_LOCAL_DOMAIN": localDomain,
		"MATRIX_AS_TOKEN":       asToken,
		"MATRIX_HS_TOKEN":       hsToken,
	})
	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "matrix-registration: missing required environment variables: %v\n", missing)
		os.Exit(1)
	}

	reg := intake.Registration("amityvox", baseURL, asToken, hsToken, localDomain)
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "matrix-registration: encoding registration document: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "matrix-registration: writing %s: %v\n", out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (namespaces rooted at %s)\n", out, localDomain)
}

func missingEnv(vars map[string]string) []string {
	var missing []string
	for name, value := range vars {
		if value == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
