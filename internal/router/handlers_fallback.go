package router

// Fallback command bytes: the locally-answered default responses that
// run only when no peripheral claimed the command.
const (
	cmdDiagVersionNo   = 0x00
	cmdDiagVersion     = 0x1C
	cmdExtendedBuildID = 0x7C
)

const diagProtocolVersion = 0x02

// Subsystem dispatch ids and subcommands of the fallback handlers that
// live behind 0x4B: keep-alive (4B 32 03 00) and the diag-id table
// query (4B 12 22 02).
const (
	keepAliveSubsys = 0x32
	keepAliveSub    = 0x0003

	diagSubsys     = 0x12
	diagIDQuerySub = 0x0222
)

func handleDiagVersion(r *Router, req []byte) ([]byte, error) {
	return []byte{cmdDiagVersion, diagProtocolVersion}, nil
}

// handleDiagVersionNo answers the legacy version-number query with a
// zeroed 55-byte record.
func handleDiagVersionNo(r *Router, req []byte) ([]byte, error) {
	return make([]byte, 55), nil
}

// handleExtendedBuildID answers {0x7C, 0x02, 0, 0, msm_rev:u32,
// model_number:u32, sw_string\0, model_string\0}. This router has no
// board-specific revision or model data to report, so the numeric
// fields are zero and the strings name the router itself.
func handleExtendedBuildID(r *Router, req []byte) ([]byte, error) {
	resp := []byte{cmdExtendedBuildID, diagProtocolVersion, 0, 0}
	resp = appendLE32(resp, 0) // msm_rev
	resp = appendLE32(resp, 0) // mobile_model_number
	resp = append(resp, "diagrouter\x00"...)
	resp = append(resp, "generic\x00"...)

	return resp, nil
}

// handleKeepAlive answers the fixed {0x4B, 0x32, 0x03, 0x00} header
// zero-padded to 16 bytes. The request body is ignored; trailing bytes
// a client tacks on never leak into the reply.
func handleKeepAlive(r *Router, req []byte) ([]byte, error) {
	resp := make([]byte, 16)
	resp[0] = subsysDispatchSentinel
	resp[1] = keepAliveSubsys
	resp[2] = byte(keepAliveSub)
	resp[3] = byte(keepAliveSub >> 8)

	return resp, nil
}

// handleDiagIDQuery answers with the live per-process diag-id table:
// the echoed 4-byte subsystem header and version byte, a row count,
// then one {id, name_len, name\0} row per registered process.
func handleDiagIDQuery(r *Router, req []byte) ([]byte, error) {
	if len(req) < 5 {
		return nil, &DispatchError{Kind: ErrWrongSize}
	}

	table, rows := r.diagIDTable()

	resp := make([]byte, 0, 6+len(table))
	resp = append(resp, req[:4]...)
	resp = append(resp, req[4], byte(rows))
	resp = append(resp, table...)

	return resp, nil
}
