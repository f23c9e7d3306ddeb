package panel

import (
	"fmt"
	"strings"
)

// startupPlaceholder marks egg templates that delegate the actual command to
// an environment variable. Only then do we substitute an inferred command.
const startupPlaceholder = "{{STARTUP_CMD}}"

// inferStartupCommand picks a sensible default startup command from the egg
// and nest names. memoryMB sizes the java heap for minecraft-style eggs.
func inferStartupCommand(eggName, nestName string, memoryMB int64) string {
	egg := strings.ToLower(eggName)
	nst := strings.ToLower(nestName)

	switch {
	case strings.Contains(egg, "node"):
		return "node index.js"
	case strings.Contains(egg, "python"):
		return "python main.py"
	case strings.Contains(egg, "java"), strings.Contains(egg, "jar"):
		return "java -jar server.jar"
	case strings.Contains(egg, "go"), strings.Contains(egg, "golang"):
		return "./main"
	case strings.Contains(egg, "rust"):
		return "./target/release/server"
	case strings.Contains(egg, "docker"), strings.Contains(egg, "generic"):
		return "./start.sh"
	case strings.Contains(egg, "aio"), strings.Contains(egg, "pterodactyl"):
		return "bash"
	}

	if strings.Contains(nst, "minecraft") {
		if memoryMB <= 0 {
			memoryMB = 1024
		}
		return fmt.Sprintf("java -Xmx%dM -Xms%dM -jar server.jar nogui", memoryMB, memoryMB)
	}

	return `echo "Server configured with smart defaults"`
}
