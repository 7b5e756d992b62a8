package schema

import "github.com/goccy/go-json"

// CloneEvent returns a deep copy of the event, including its payload variant.
// Consumers receive clones so no goroutine can mutate shared pipeline state.
func CloneEvent(src *Event) *Event {
	if src == nil {
		return nil
	}
	dst := &Event{
		Type:      src.Type,
		Timestamp: src.Timestamp,
		PrimaryID: src.PrimaryID,
		User:      src.User,
	}
	switch data := src.Data.(type) {
	case *PostData:
		dst.Data = clonePostData(data)
	case *ProfileData:
		dst.Data = cloneProfileData(data)
	case *FollowData:
		dst.Data = cloneFollowData(data)
	default:
		dst.Data = src.Data
	}
	return dst
}

func clonePostData(src *PostData) *PostData {
	if src == nil {
		return nil
	}
	out := *src
	out.Tweet = cloneTweet(src.Tweet)
	return &out
}

func cloneTweet(src *Tweet) *Tweet {
	if src == nil {
		return nil
	}
	out := *src
	out.Body = cloneRichText(src.Body)
	out.Author = cloneUserSnapshot(src.Author)
	out.Metrics = cloneRawMessage(src.Metrics)
	out.Media = cloneRawMessage(src.Media)
	return &out
}

func cloneProfileData(src *ProfileData) *ProfileData {
	if src == nil {
		return nil
	}
	out := *src
	out.User = cloneUserSnapshot(src.User)
	out.Before = cloneUserSnapshot(src.Before)
	out.Pinned = cloneStrings(src.Pinned)
	return &out
}

func cloneFollowData(src *FollowData) *FollowData {
	if src == nil {
		return nil
	}
	out := *src
	out.User = cloneUserSnapshot(src.User)
	out.Following = cloneUserSnapshot(src.Following)
	return &out
}

func cloneUserSnapshot(src *UserSnapshot) *UserSnapshot {
	if src == nil {
		return nil
	}
	out := *src
	out.Profile = cloneProfile(src.Profile)
	return &out
}

func cloneProfile(src *Profile) *Profile {
	if src == nil {
		return nil
	}
	out := *src
	out.Description = cloneRichText(src.Description)
	return &out
}

func cloneRichText(src *RichText) *RichText {
	if src == nil {
		return nil
	}
	out := *src
	return &out
}

func cloneRawMessage(src json.RawMessage) json.RawMessage {
	if len(src) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(src))
	copy(out, src)
	return out
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}
