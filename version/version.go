package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = CCCoreSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// CCCoreSemVer is the current version of cellchain.
	// It's the Semantic Version of the software.
	CCCoreSemVer = "0.4.0"
)

// Protocol is used for implementation agnostic versioning.
type Protocol uint64

// Uint64 returns the Protocol version as a uint64.
func (p Protocol) Uint64() uint64 {
	return uint64(p)
}

var (
	// P2PProtocol versions the peer handshake and the envelope encoding.
	P2PProtocol Protocol = 2

	// BlockProtocol versions the block and operation encodings.
	BlockProtocol Protocol = 1
)

// Info holds the versions printed by the version command and served by the
// status route.
type Info struct {
	Software      string `json:"software"`
	P2PProtocol   uint64 `json:"p2p_protocol"`
	BlockProtocol uint64 `json:"block_protocol"`
}

// Current returns the versions of the running software.
func Current() Info {
	return Info{
		Software:      Version,
		P2PProtocol:   P2PProtocol.Uint64(),
		BlockProtocol: BlockProtocol.Uint64(),
	}
}
