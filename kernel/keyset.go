package kernel

import (
	"context"
	"crypto/subtle"
	"sync"
)

// keysetEntry is one stored key. Conventional and MAC
// keys are stored raw; the keyset zeroises them at destruction.
type keysetEntry struct {
	id       string
	algo     AlgorithmID
	mode     Mode
	key      []byte
	password string
}

// keysetPayload is the in-memory keyset backend. Entries keep insertion order so the cursor messages are
// deterministic.
type keysetPayload struct {
	mu      sync.Mutex
	entries []*keysetEntry
	cursor  int
}

// keysetMessageHandler handles the keyset messages. Get and set are
// dispatched with release because both nest messages: get builds
// a fresh context through the system device, set exports the source
// context's key through an internal attribute read.
func keysetMessageHandler(k *Kernel, obj *object, msg *message) (any, error) {
	p, ok := obj.payload.(*keysetPayload)
	if !ok {
		return nil, errArgument(LocusHandle, "object has no keyset payload")
	}

	switch msg.typ {
	case MsgKeySet:
		args := msg.value.(keysetEntryArgs) // shape pre-checked by the ACL
		return nil, k.keysetAdd(p, args)
	case MsgKeyGet:
		args := msg.value.(keysetEntryArgs)
		return k.keysetGet(p, args)
	case MsgKeyDelete:
		args := msg.value.(keysetEntryArgs)
		return nil, keysetDelete(p, args)
	case MsgKeyGetFirst:
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.entries) == 0 {
			return nil, errNotFound(LocusAttribute, "keyset is empty")
		}
		p.cursor = 0
		return p.entries[0].id, nil
	case MsgKeyGetNext:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.cursor+1 >= len(p.entries) {
			return nil, errNotFound(LocusAttribute, "no more keys")
		}
		p.cursor++
		return p.entries[p.cursor].id, nil
	case MsgKeyQuery:
		p.mu.Lock()
		defer p.mu.Unlock()
		return int64(len(p.entries)), nil
	}
	return nil, errNotAvailable(LocusHandle, "message not handled by keyset")
}

// keysetAdd exports the source context's key material via internal
// attribute reads and stores it under the given id.
func (k *Kernel) keysetAdd(p *keysetPayload, args keysetEntryArgs) error {
	if args.context == NoHandle {
		return errArgument(LocusHandle, "key-set requires a source context")
	}
	ctx := context.Background()

	algoAny, err := k.sendInternal(ctx, args.context, MsgGetAttr, AttrAlgo, nil)
	if err != nil {
		return err
	}
	algoV, _ := toInt64(algoAny)

	keyAny, err := k.sendInternal(ctx, args.context, MsgGetAttrString, AttrKey, nil)
	if err != nil {
		return err
	}
	key, _ := keyAny.([]byte)
	if len(key) == 0 {
		return errNotInitialised(LocusKey)
	}

	mode := ModeNone
	if modeAny, merr := k.sendInternal(ctx, args.context, MsgGetAttr, AttrMode, nil); merr == nil {
		v, _ := toInt64(modeAny)
		mode = Mode(v)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.id == args.id {
			return newErr(StatusDuplicate, LocusAttribute, "key id already present")
		}
	}
	p.entries = append(p.entries, &keysetEntry{
		id:       args.id,
		algo:     AlgorithmID(algoV),
		mode:     mode,
		key:      append([]byte(nil), key...),
		password: args.password,
	})
	return nil
}

// keysetGet rebuilds a usable context from a stored entry: create through the system device, restore the mode, load
// the key. A password mismatch is wrong-key, not permission-denied, so
// callers can distinguish a bad credential from a missing grant.
func (k *Kernel) keysetGet(p *keysetPayload, args keysetEntryArgs) (Handle, error) {
	p.mu.Lock()
	var entry *keysetEntry
	for _, e := range p.entries {
		if e.id == args.id {
			entry = e
			break
		}
	}
	if entry == nil {
		p.mu.Unlock()
		return NoHandle, errNotFound(LocusAttribute, "no key under that id")
	}
	if subtle.ConstantTimeCompare([]byte(entry.password), []byte(args.password)) != 1 {
		p.mu.Unlock()
		return NoHandle, newErr(StatusWrongKey, LocusAttribute, "password does not match")
	}
	algo, mode := entry.algo, entry.mode
	key := append([]byte(nil), entry.key...)
	p.mu.Unlock()

	ctx := context.Background()
	hAny, err := k.sendInternal(ctx, SystemDeviceHandle, MsgDevCreateObject,
		createObjectArgs{typ: ObjectTypeContext, algo: algo, label: args.id}, nil)
	if err != nil {
		return NoHandle, err
	}
	h := hAny.(Handle)

	if mode != ModeNone {
		if err := k.sendNotifier(ctx, &message{target: h, typ: MsgSetAttr, value: AttrMode, data: int64(mode), internal: true}); err != nil {
			_, _ = k.sendInternal(ctx, h, MsgDestroy, nil, nil)
			return NoHandle, err
		}
	}
	if err := k.sendNotifier(ctx, &message{target: h, typ: MsgSetAttrString, value: AttrKey, data: key, internal: true}); err != nil {
		_, _ = k.sendInternal(ctx, h, MsgDestroy, nil, nil)
		return NoHandle, err
	}
	zeroise(key)
	return h, nil
}

func keysetDelete(p *keysetPayload, args keysetEntryArgs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.id == args.id {
			zeroise(e.key)
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			if p.cursor >= len(p.entries) && p.cursor > 0 {
				p.cursor--
			}
			return nil
		}
	}
	return errNotFound(LocusAttribute, "no key under that id")
}

// --- keyset attribute storage ---------------------------------------------

func getKeysetAttr(p *keysetPayload, id AttrID) (any, error) {
	if id != AttrKeysetCursor {
		return nil, errNotFound(LocusAttribute, "attribute has no value on this keyset")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.cursor + 1), nil // 1-based for the extension band
}

// applyKeysetAttr moves the iteration cursor: negative cursor codes move
// relative to the current position, positive values in the extension
// band address an entry directly.
func applyKeysetAttr(p *keysetPayload, id AttrID, value any) error {
	if id != AttrKeysetCursor {
		return errNotFound(LocusAttribute, "attribute cannot be stored on this keyset")
	}
	v, _ := toInt64(value)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return errNotFound(LocusAttribute, "keyset is empty")
	}
	switch v {
	case CursorFirst:
		p.cursor = 0
	case CursorLast:
		p.cursor = len(p.entries) - 1
	case CursorNext:
		if p.cursor+1 >= len(p.entries) {
			return errNotFound(LocusAttribute, "no more keys")
		}
		p.cursor++
	case CursorPrevious:
		if p.cursor == 0 {
			return errNotFound(LocusAttribute, "already at the first key")
		}
		p.cursor--
	default:
		idx := int(v) - 1
		if idx < 0 || idx >= len(p.entries) {
			return errNotFound(LocusAttribute, "cursor position out of range")
		}
		p.cursor = idx
	}
	return nil
}
