// Package logging provides structured logging for docmatch on top of zap.
//
// Every method takes a context and prepends correlation fields found in it:
// the OpenTelemetry trace and span ids, the acting principal (user and
// project) and the request id.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = policy.WithPrincipal(ctx, principal)
//	logger.Info(ctx, "sections matched", zap.Int("count", n))
//
// Field values whose key names a credential (token, dsn, api_key, ...) or
// whose content looks like one are redacted at encode time. Below Error,
// entries are sampled; errors are always written.
package logging
