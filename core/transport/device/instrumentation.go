package device

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/koscakluka/ema-pipeline/core/transport/device"

var logger = otelslog.NewLogger(scopeName)
