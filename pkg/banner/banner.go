package banner

import (
	"fmt"

	"capsuled/pkg/config"
)

const banner = `
 ██████╗ █████╗ ██████╗ ███████╗██╗   ██╗██╗     ███████╗██████╗
██╔════╝██╔══██╗██╔══██╗██╔════╝██║   ██║██║     ██╔════╝██╔══██╗
██║     ███████║██████╔╝███████╗██║   ██║██║     █████╗  ██║  ██║
██║     ██╔══██║██╔═══╝ ╚════██║██║   ██║██║     ██╔══╝  ██║  ██║
╚██████╗██║  ██║██║     ███████║╚██████╔╝███████╗███████╗██████╔╝
 ╚═════╝╚═╝  ╚═╝╚═╝     ╚══════╝ ╚═════╝ ╚══════╝╚══════╝╚═════╝
`

// Print shows the startup summary.
func Print(cfg *config.Config, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", cfg.Addr())
	fmt.Printf("Backend:  %s\n", cfg.Storage.Backend)
	fmt.Printf("DB Path:  %s\n", cfg.Storage.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Chunk:    %d bytes, max %d chunks, %d pending sessions, TTL %s\n",
		cfg.Upload.ChunkSize.Uint64(), cfg.Upload.MaxChunks,
		cfg.Upload.MaxPendingPerKey, cfg.Upload.SessionTTL.Duration())
	if len(cfg.Security.APIKeys) > 0 {
		fmt.Printf("API keys: OK (%d)\n", len(cfg.Security.APIKeys))
	} else {
		fmt.Println("API keys: MISSING (required for production use)")
	}
	if cfg.Retention.Enabled {
		fmt.Printf("Retention: enabled (cron=%s)\n", cfg.Retention.Cron)
	} else {
		fmt.Println("Retention: disabled")
	}
	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/uploads/begin' -d '{\"capsule_id\":\"...\",\"expected_chunks\":2}'")
	fmt.Println("curl -X PUT  'http://<host>:<port>/v1/uploads/<session>/chunks/0' --data-binary @chunk0")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/uploads/<session>/finish' -d '{\"expected_len\":..., \"sha256\":\"...\"}'")
	fmt.Println()
}
