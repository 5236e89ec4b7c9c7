package domain

import "context"

type pluginStackKey struct{}

// WithPlugin returns a child context in which plugin is the currently executing plugin.
// The parent's stack is left untouched, so returning to the parent context restores the
// previous attribution no matter how the child's work ended.
func WithPlugin(ctx context.Context, plugin PluginID) context.Context {
	parent := PluginStack(ctx)
	stack := make([]PluginID, len(parent), len(parent)+1)
	copy(stack, parent)
	stack = append(stack, plugin)
	return context.WithValue(ctx, pluginStackKey{}, stack)
}

// PluginFromContext returns the innermost plugin in ctx.
func PluginFromContext(ctx context.Context) (PluginID, bool) {
	stack := PluginStack(ctx)
	if len(stack) == 0 {
		return "", false
	}
	return stack[len(stack)-1], true
}

// PluginStack returns the chain of nested plugin executions, outermost first.
func PluginStack(ctx context.Context) []PluginID {
	if ctx == nil {
		return nil
	}
	stack, _ := ctx.Value(pluginStackKey{}).([]PluginID)
	return stack
}
