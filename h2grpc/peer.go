package h2grpc

// strAddr is a net.Addr backed by the transport's remote address string.
type strAddr string

func (a strAddr) Network() string {
	if a != "" {
		// Per the documentation on net/http.Request.RemoteAddr, when set
		// it holds the IP:port of the peer, hence TCP.
		return "tcp"
	}
	return ""
}

func (a strAddr) String() string { return string(a) }
