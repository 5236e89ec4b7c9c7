// Package cerberus guards plugin access.
//
// Cerberus is the three-headed guardian of the Underworld, and this package
// implements three heads of plugin access control:
//   - Head 1 (Scopes): the Validator checks the plugin executing in a context against its grants
//   - Head 2 (Keys): the KeyManager issues, authenticates and rate limits plugin API keys
//   - Head 3 (Audit): every denial and key lifecycle change is recorded on an audit sink
//
// # Basic Usage
//
// Run plugin code with its identity attached to the context:
//
//	v := cerberus.NewValidator(registry, registry.Catalog(), sink, logger)
//	err := v.WithinContext(ctx, "acme-reports", func(ctx context.Context) error {
//	    if err := v.AssertCanAccess(ctx, "entities:write", "orders"); err != nil {
//	        return err
//	    }
//	    return writeOrder(ctx)
//	})
//
// # API Keys
//
// Issue a key and protect plugin endpoints with it:
//
//	km := cerberus.NewKeyManager(store, counters, cerberus.KeyManagerOptions{})
//	issued, _ := km.CreateKey(ctx, cerberus.CreateKeyRequest{Plugin: "acme-reports", RateLimitPerMinute: 60})
//	// issued.Plaintext is shown once and never stored.
//	handler := cerberus.NewKeyMiddleware(km, logger).Wrap(pluginHandler)
//
// Authenticated handlers find the key and the plugin in the request context:
//
//	func pluginHandler(w http.ResponseWriter, r *http.Request) {
//	    key, _ := cerberus.APIKeyFromContext(r.Context())
//	    plugin, _ := domain.PluginFromContext(r.Context())
//	}
package cerberus
