// Package translator wires every format direction into the shared registry.
// Importing this package is enough to make all conversions available.
package translator

import (
	_ "github.com/agentgate-dev/agentgate/internal/translator/gemini/claude"
	_ "github.com/agentgate-dev/agentgate/internal/translator/gemini/openai"

	_ "github.com/agentgate-dev/agentgate/internal/translator/openai/claude"
	_ "github.com/agentgate-dev/agentgate/internal/translator/openai/openai"

	_ "github.com/agentgate-dev/agentgate/internal/translator/responses/claude"
	_ "github.com/agentgate-dev/agentgate/internal/translator/responses/openai"
)
