package banner

import (
	"fmt"
)

const banner = `
███████╗███╗   ███╗██████╗
██╔════╝████╗ ████║╚════██╗
█████╗  ██╔████╔██║ █████╔╝
██╔══╝  ██║╚██╔╝██║██╔═══╝
███████╗██║ ╚═╝ ██║███████╗
╚══════╝╚═╝     ╚═╝╚══════╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(addr, domain, dbPath, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("Domain:   %s\n", domain)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /authenticate - inter-platform handshake (platform/timestamp/signature headers)")
	fmt.Println("POST /{conv}/{component}/{verb}[/{item}] - apply a remote action")
	fmt.Println("POST /conversations - create a local draft conversation")
	fmt.Println("POST /conversations/{conv}/{component}/{verb}[/{item}] - apply a local action")
	fmt.Println("GET  /conversations/{conv} - full conversation view")
}
