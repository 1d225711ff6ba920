package apns

import "sync"

// Result of one pooled delivery attempt, reported on the responses
// channel.
type Result struct {
	Token    string    // device token of the attempt
	Response *Response // gateway outcome, nil when Err is set
	Err      error     // connectivity or precondition failure
}

// Pool fans notifications out to many device tokens through a fixed
// number of workers, so a large broadcast keeps a bounded number of
// in-flight streams on the shared connection.
//
// The gateway allows multiple concurrent streams per connection, but the
// exact number depends on the authentication method and the server load;
// do not assume a specific limit.
type Pool struct {
	notifications chan Notification
	wg            sync.WaitGroup
}

// Pool starts the given number of workers sending notifications through
// the client. Outcomes are reported on responses when it is not nil.
func (c *Client) Pool(workers int, responses chan<- Result) *Pool {
	p := &Pool{notifications: make(chan Notification)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for n := range p.notifications {
				resp, err := c.Send(n).Result()
				if responses != nil {
					responses <- Result{Token: n.Token, Response: resp, Err: err}
				}
			}
		}()
	}
	return p
}

// Push queues the notification for every given token.
func (p *Pool) Push(n Notification, tokens ...string) {
	for _, token := range tokens {
		p.notifications <- n.WithToken(token)
	}
}

// Close stops accepting notifications and waits for the workers to drain
// the queue.
func (p *Pool) Close() {
	close(p.notifications)
	p.wg.Wait()
}
