package chat

import "testing"

func TestInferType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		attachments []Attachment
		want        MessageType
	}{
		{"no attachments", nil, TypeText},
		{"image", []Attachment{{Mimetype: "image/png"}}, TypeImage},
		{"image jpeg", []Attachment{{Mimetype: "image/jpeg"}}, TypeImage},
		{"audio", []Attachment{{Mimetype: "audio/ogg"}}, TypeAudio},
		{"video", []Attachment{{Mimetype: "video/mp4"}}, TypeVideo},
		{"pdf", []Attachment{{Mimetype: "application/pdf"}}, TypeFile},
		{"unknown", []Attachment{{Mimetype: ""}}, TypeFile},
		{"first attachment wins", []Attachment{{Mimetype: "image/gif"}, {Mimetype: "application/zip"}}, TypeImage},
		{"mixed case", []Attachment{{Mimetype: "IMAGE/PNG"}}, TypeImage},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := InferType(tc.attachments); got != tc.want {
				t.Fatalf("InferType = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMessageWire(t *testing.T) {
	t.Parallel()

	m := Message{
		ID:             "m1",
		ConversationID: "conv_a_b",
		Seq:            7,
		Sender:         "a",
		Recipient:      "b",
		Content:        "hi",
		Type:           TypeImage,
		Attachments:    []Attachment{{Filename: "f.png", OriginalName: "photo.png", Path: "blob/abc", Size: 10, Mimetype: "image/png"}},
	}

	w := m.Wire()
	if w.ID != m.ID || w.ConversationID != m.ConversationID || w.Seq != m.Seq {
		t.Fatalf("identity fields lost: %+v", w)
	}
	if w.Type != "image" {
		t.Fatalf("type = %q, want image", w.Type)
	}
	if len(w.Attachments) != 1 || w.Attachments[0].Filename != "f.png" {
		t.Fatalf("attachments lost: %+v", w.Attachments)
	}
}
