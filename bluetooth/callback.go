package bluetooth

// completion holds the continuations of one operation. Exactly one of them
// runs, once; any later resolve is ignored.
type completion struct {
	onSuccess func()
	onError   func(error)
	done      bool
}

func newCompletion(onSuccess func(), onError func(error)) *completion {
	return &completion{onSuccess: onSuccess, onError: onError}
}

func (c *completion) pending() bool {
	return !c.done
}

func (c *completion) resolve(err error) {
	if c.done {
		return
	}
	c.done = true
	onSuccess, onError := c.onSuccess, c.onError
	c.onSuccess, c.onError = nil, nil

	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	if onSuccess != nil {
		onSuccess()
	}
}
