package router

// registerBuiltins installs the built-in common and fallback handlers
// at the single-key ranges their command bytes (or, for keep-alive and
// the diag-id query, the subsystem dispatch key) derive.
func (r *Router) registerBuiltins() {
	reg := &r.registry

	reg.RegisterCommon(singleKeyRange(simpleKey(cmdLoggingConfig)), handleLoggingConfig)
	reg.RegisterCommon(singleKeyRange(simpleKey(cmdExtMsgConfig)), handleExtMsgConfig)
	reg.RegisterCommon(singleKeyRange(simpleKey(cmdEventGetMask)), handleEventGetMask)
	reg.RegisterCommon(singleKeyRange(simpleKey(cmdEventSetMask)), handleEventSetMask)
	reg.RegisterCommon(singleKeyRange(simpleKey(cmdEventReportControl)), handleEventReportControl)

	reg.RegisterFallback(singleKeyRange(simpleKey(cmdDiagVersion)), handleDiagVersion)
	reg.RegisterFallback(singleKeyRange(simpleKey(cmdDiagVersionNo)), handleDiagVersionNo)
	reg.RegisterFallback(singleKeyRange(simpleKey(cmdExtendedBuildID)), handleExtendedBuildID)
	reg.RegisterFallback(
		singleKeyRange(subsysKey(subsysDispatchSentinel, keepAliveSubsys, keepAliveSub)),
		handleKeepAlive,
	)
	reg.RegisterFallback(
		singleKeyRange(subsysKey(subsysDispatchSentinel, diagSubsys, diagIDQuerySub)),
		handleDiagIDQuery,
	)
}

func singleKeyRange(key uint32) Range {
	return Range{First: key, Last: key}
}
