package llms

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-agent/core/llms"

var logger = otelslog.NewLogger(scopeName)
