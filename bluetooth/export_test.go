package bluetooth

func (a *Adapter) DiscoverySessionCount() uint32 { return a.discoverySessionCount }
func (a *Adapter) DiscoveryQueueLen() int        { return len(a.discoveryQueue) }
func (a *Adapter) SocketCount() int              { return len(a.sockets) }
