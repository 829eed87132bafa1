// Package mirror writes the raw upstream payload of every relayed event to a
// local JSON Lines file, alongside the broker publish.
//
//	m, err := mirror.Open("posts.jsonl", mirror.WithMetrics(registry))
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
// Each line is one payload exactly as upstream sent it. The file is
// truncated on Open unless WithAppend is given.
package mirror
