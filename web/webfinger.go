package web

import "fmt"

// Webfinger answers an acct: lookup for a local user.
func (s *Server) Webfinger(user string) (error, map[string]interface{}) {
	err, acc := s.store.ReadAccByUsername(user)
	if err != nil || acc == nil {
		return fmt.Errorf("no such account: %s", user), nil
	}

	username := acc.Username

	return nil, map[string]interface{}{
		"subject": fmt.Sprintf("acct:%s@%s", username, s.conf.Conf.SslDomain),
		"links": []map[string]interface{}{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": fmt.Sprintf("%s/users/%s", s.conf.BaseURL(), username),
			},
		},
	}
}

func webfingerNotFound() map[string]interface{} {
	return map[string]interface{}{"detail": "Not Found"}
}
