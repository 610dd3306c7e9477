package kernel

// userPayload is the payload for user records: the owner of every
// object created without an explicit owner, plus a small message queue
// exercised by user-push-message/user-pop-message.
type userPayload struct {
	queue [][]byte
}

func userMessageHandler(k *Kernel, obj *object, msg *message) (any, error) {
	p, ok := obj.payload.(*userPayload)
	if !ok {
		return nil, errArgument(LocusHandle, "object has no user payload")
	}
	switch msg.typ {
	case MsgUserPushMessage:
		data, ok := asBytes(msg.data)
		if !ok {
			return nil, errArgument(LocusAttribute, "push requires a message body")
		}
		p.queue = append(p.queue, append([]byte(nil), data...))
		return nil, nil
	case MsgUserPopMessage:
		if len(p.queue) == 0 {
			return nil, newErr(StatusUnderflow, LocusAttribute, "no queued messages")
		}
		head := p.queue[0]
		p.queue = p.queue[1:]
		return head, nil
	}
	return nil, errNotAvailable(LocusHandle, "message not handled by user")
}

// sessionPayload is the minimal session object: enough state to
// exercise ownership chains and the dependent-object protocol, plus the
// read/write timeout attributes its own handlers would enforce.
type sessionPayload struct {
	readTimeout  int64
	writeTimeout int64
}

func sessionMessageHandler(k *Kernel, obj *object, msg *message) (any, error) {
	return nil, errNotAvailable(LocusHandle, "message not handled by session")
}

func getSessionAttr(p *sessionPayload, id AttrID) (any, error) {
	switch id {
	case AttrSessionReadTimeout:
		return p.readTimeout, nil
	case AttrSessionWriteTimeout:
		return p.writeTimeout, nil
	}
	return nil, errNotFound(LocusAttribute, "attribute has no value on this session")
}

func applySessionAttr(p *sessionPayload, id AttrID, value any) error {
	v, _ := toInt64(value)
	switch id {
	case AttrSessionReadTimeout:
		p.readTimeout = v
		return nil
	case AttrSessionWriteTimeout:
		p.writeTimeout = v
		return nil
	}
	return errNotFound(LocusAttribute, "attribute cannot be stored on this session")
}
