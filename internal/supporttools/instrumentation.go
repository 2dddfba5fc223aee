package supporttools

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/koscakluka/ema-pipeline/internal/supporttools"

var logger = otelslog.NewLogger(scopeName)
