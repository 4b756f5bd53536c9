package protocol

// Field numbers follow the PTPAuth schema:
//
//	AuthStep1Req { bytes p = 1; }
//	AuthStep1Res { ERR err = 1; string address = 2; bytes q = 3; bytes sign = 4; int64 ts = 5; }
//	AuthStep2Req { bytes sign = 1; int64 ts = 2; string address = 3; }
//	AuthStep2Res { ERR err = 1; }
//	AuthLoginReq { string uid = 1; string token = 2; string address = 3; }
//	AuthLoginRes { ERR err = 1; string payload = 2; }

// AuthStep1Req carries the client nonce p.
type AuthStep1Req struct {
	P []byte
}

func (m *AuthStep1Req) Command() CommandID { return CommandAuthStep1Req }

func (m *AuthStep1Req) marshal() []byte {
	var w fieldWriter
	w.bytes(1, m.P)
	return w.b
}

func (m *AuthStep1Req) unmarshal(b []byte) error {
	r := fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.P = r.bytes(num, typ)
		default:
			r.skip(num, typ)
		}
	}
	return r.err
}

// AuthStep1Res is the server's signed answer to step 1.
type AuthStep1Res struct {
	Err     ErrCode
	Address string
	Q       []byte
	Sign    []byte
	Ts      int64
}

func (m *AuthStep1Res) Command() CommandID { return CommandAuthStep1Res }
func (m *AuthStep1Res) Code() ErrCode      { return m.Err }

func (m *AuthStep1Res) marshal() []byte {
	var w fieldWriter
	w.varint(1, uint64(m.Err))
	w.string(2, m.Address)
	w.bytes(3, m.Q)
	w.bytes(4, m.Sign)
	w.varint(5, uint64(m.Ts))
	return w.b
}

func (m *AuthStep1Res) unmarshal(b []byte) error {
	r := fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Err = ErrCode(r.varint(num, typ))
		case 2:
			m.Address = r.string(num, typ)
		case 3:
			m.Q = r.bytes(num, typ)
		case 4:
			m.Sign = r.bytes(num, typ)
		case 5:
			m.Ts = int64(r.varint(num, typ))
		default:
			r.skip(num, typ)
		}
	}
	return r.err
}

// AuthStep2Req proves possession of the client key.
type AuthStep2Req struct {
	Sign    []byte
	Ts      int64
	Address string
}

func (m *AuthStep2Req) Command() CommandID { return CommandAuthStep2Req }

func (m *AuthStep2Req) marshal() []byte {
	var w fieldWriter
	w.bytes(1, m.Sign)
	w.varint(2, uint64(m.Ts))
	w.string(3, m.Address)
	return w.b
}

func (m *AuthStep2Req) unmarshal(b []byte) error {
	r := fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Sign = r.bytes(num, typ)
		case 2:
			m.Ts = int64(r.varint(num, typ))
		case 3:
			m.Address = r.string(num, typ)
		default:
			r.skip(num, typ)
		}
	}
	return r.err
}

// AuthStep2Res acknowledges step 2.
type AuthStep2Res struct {
	Err ErrCode
}

func (m *AuthStep2Res) Command() CommandID { return CommandAuthStep2Res }
func (m *AuthStep2Res) Code() ErrCode      { return m.Err }

func (m *AuthStep2Res) marshal() []byte {
	var w fieldWriter
	w.varint(1, uint64(m.Err))
	return w.b
}

func (m *AuthStep2Res) unmarshal(b []byte) error {
	r := fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		if num == 1 {
			m.Err = ErrCode(r.varint(num, typ))
			continue
		}
		r.skip(num, typ)
	}
	return r.err
}

// AuthLoginReq resumes a session.
type AuthLoginReq struct {
	Session
}

func (m *AuthLoginReq) Command() CommandID { return CommandAuthLoginReq }

func (m *AuthLoginReq) marshal() []byte {
	var w fieldWriter
	w.string(1, m.UID)
	w.string(2, m.Token)
	w.string(3, m.Address)
	return w.b
}

func (m *AuthLoginReq) unmarshal(b []byte) error {
	r := fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.UID = r.string(num, typ)
		case 2:
			m.Token = r.string(num, typ)
		case 3:
			m.Address = r.string(num, typ)
		default:
			r.skip(num, typ)
		}
	}
	return r.err
}

// AuthLoginRes carries the JSON encoded LoginPayload on success.
type AuthLoginRes struct {
	Err     ErrCode
	Payload string
}

func (m *AuthLoginRes) Command() CommandID { return CommandAuthLoginRes }
func (m *AuthLoginRes) Code() ErrCode      { return m.Err }

func (m *AuthLoginRes) marshal() []byte {
	var w fieldWriter
	w.varint(1, uint64(m.Err))
	w.string(2, m.Payload)
	return w.b
}

func (m *AuthLoginRes) unmarshal(b []byte) error {
	r := fieldReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Err = ErrCode(r.varint(num, typ))
		case 2:
			m.Payload = r.string(num, typ)
		default:
			r.skip(num, typ)
		}
	}
	return r.err
}
