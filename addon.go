package blocker

// Hook names, used as log fields and metric labels.
const (
	HookConnect = "connect"
	HookRequest = "request"
)

// Interceptor is the Addon that substitutes the block page for traffic to
// blocked domains.
//
// HTTPS is decided once, at CONNECT time, before any certificate is
// generated. Plaintext HTTP is decided per request. Requests decrypted from
// an allowed tunnel are Secure and pass through untouched.
type Interceptor struct {
	Registry  *Registry
	BlockPage *BlockPage
}

// NewInterceptor creates an Interceptor.
func NewInterceptor(reg *Registry, page *BlockPage) *Interceptor {
	return &Interceptor{Registry: reg, BlockPage: page}
}

// OnConnect implements Addon.
func (i *Interceptor) OnConnect(f *Flow) {
	i.intercept(f)
}

// OnRequest implements Addon.
func (i *Interceptor) OnRequest(f *Flow) {
	if f.Secure {
		return
	}
	i.intercept(f)
}

func (i *Interceptor) intercept(f *Flow) {
	domain, ok := i.Registry.Match(f.Host)
	if !ok {
		return
	}
	f.Response = i.BlockPage.Response(f.Request)
	f.Reason = domain
}

var _ Addon = (*Interceptor)(nil)
